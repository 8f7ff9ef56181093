package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// GormStateRepository implements StateRepository over a GORM handle
// (PostgreSQL in production, SQLite locally and in tests).
type GormStateRepository struct {
	db *gorm.DB
}

var _ StateRepository = (*GormStateRepository)(nil)

// NewGormStateRepository creates a repository bound to db.
func NewGormStateRepository(db *gorm.DB) *GormStateRepository {
	return &GormStateRepository{db: db}
}

// Ping verifies the database connection.
func (r *GormStateRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// CountWhere counts matching rows.
func (r *GormStateRepository) CountWhere(ctx context.Context, table string, filters ...Filter) (int64, error) {
	q, err := r.query(ctx, table, filters)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// SelectIDs plucks the distinct values of column.
func (r *GormStateRepository) SelectIDs(ctx context.Context, table, column string, filters ...Filter) (IDSet, error) {
	if err := validateIdent(column); err != nil {
		return nil, err
	}
	q, err := r.query(ctx, table, filters)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := q.Distinct(column).Pluck(column, &ids).Error; err != nil {
		return nil, fmt.Errorf("select %s.%s: %w", table, column, err)
	}
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Latest returns the newest timestamp in column.
func (r *GormStateRepository) Latest(ctx context.Context, table, column string, filters ...Filter) (time.Time, bool, error) {
	if err := validateIdent(column); err != nil {
		return time.Time{}, false, err
	}
	q, err := r.query(ctx, table, filters)
	if err != nil {
		return time.Time{}, false, err
	}
	// Scanned as text so every driver's representation goes through parseTimestamp.
	var values []string
	if err := q.Order(column+" DESC").Limit(1).Pluck(column, &values).Error; err != nil {
		return time.Time{}, false, fmt.Errorf("latest %s.%s: %w", table, column, err)
	}
	if len(values) == 0 {
		return time.Time{}, false, nil
	}
	t, err := parseTimestamp(values[0])
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Average computes AVG(column) in the database.
func (r *GormStateRepository) Average(ctx context.Context, table, column string, filters ...Filter) (float64, error) {
	if err := validateIdent(column); err != nil {
		return 0, err
	}
	q, err := r.query(ctx, table, filters)
	if err != nil {
		return 0, err
	}
	var avg float64
	if err := q.Select("COALESCE(AVG(" + column + "), 0)").Row().Scan(&avg); err != nil {
		return 0, fmt.Errorf("average %s.%s: %w", table, column, err)
	}
	return avg, nil
}

// FindRecent loads the newest rows into dest.
func (r *GormStateRepository) FindRecent(ctx context.Context, table string, dest interface{}, limit int, filters ...Filter) error {
	q, err := r.query(ctx, table, filters)
	if err != nil {
		return err
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order(ColumnCreatedAt + " DESC").Find(dest).Error; err != nil {
		return fmt.Errorf("find %s: %w", table, err)
	}
	return nil
}

// Insert creates one record.
func (r *GormStateRepository) Insert(ctx context.Context, table string, record interface{}) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Table(table).Create(record).Error
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// Update sets fields on the matching rows. At least one filter is required.
func (r *GormStateRepository) Update(ctx context.Context, table string, fields map[string]interface{}, filters ...Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("update %s: refusing unfiltered update", table)
	}
	q, err := r.query(ctx, table, filters)
	if err != nil {
		return 0, err
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return 0, fmt.Errorf("update %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteWhere removes matching rows. At least one filter is required.
func (r *GormStateRepository) DeleteWhere(ctx context.Context, table string, filters ...Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete %s: refusing unfiltered delete", table)
	}
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	where, args, err := buildWhere(filters)
	if err != nil {
		return 0, err
	}
	res := r.db.WithContext(ctx).Exec("DELETE FROM "+table+" WHERE "+where, args...)
	if res.Error != nil {
		return 0, fmt.Errorf("delete %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormStateRepository) query(ctx context.Context, table string, filters []Filter) (*gorm.DB, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}
	q := r.db.WithContext(ctx).Table(table)
	if len(filters) == 0 {
		return q, nil
	}
	where, args, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}
	return q.Where(where, args...), nil
}

// buildWhere renders filters as a parameterized SQL predicate.
func buildWhere(filters []Filter) (string, []interface{}, error) {
	if err := validateFilters(filters); err != nil {
		return "", nil, err
	}
	clauses := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))
	for _, f := range filters {
		switch f.Op {
		case OpEq:
			clauses = append(clauses, f.Column+" = ?")
		case OpGte:
			clauses = append(clauses, f.Column+" >= ?")
		case OpLt:
			clauses = append(clauses, f.Column+" < ?")
		case OpIn:
			clauses = append(clauses, f.Column+" IN ?")
		case OpIsNull:
			clauses = append(clauses, f.Column+" IS NULL")
			continue
		}
		args = append(args, sqlValue(f.Value))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// sqlValue normalizes times to UTC so stored and compared values share a zone.
func sqlValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
