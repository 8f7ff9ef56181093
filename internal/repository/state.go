package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Tables and columns the scheduler reads and writes.
const (
	TableScrapedContent   = "scraped_content"
	TableProcessedContent = "processed_content"
	TableJobs             = "pipeline_jobs"
	TableUsageLogs        = "api_usage"

	ColumnID              = "id"
	ColumnSource          = "source"
	ColumnOriginalID      = "original_id"
	ColumnCreatedAt       = "created_at"
	ColumnIsTrainingReady = "is_training_ready"
	ColumnJobType         = "job_type"
	ColumnTargetSource    = "target_source"
	ColumnStatus          = "status"
	ColumnQualityScore    = "quality_score"
)

var (
	// ErrDuplicate is returned by Insert when the primary key already exists.
	ErrDuplicate = errors.New("record already exists")

	// ErrMalformedTimestamp is returned when a stored timestamp cannot be parsed.
	ErrMalformedTimestamp = errors.New("malformed timestamp")
)

// StateRepository is the query/mutate contract the scheduler needs from the
// pipeline state store. Implementations must be safe for concurrent use.
type StateRepository interface {
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// CountWhere counts rows of table matching all filters.
	CountWhere(ctx context.Context, table string, filters ...Filter) (int64, error)

	// SelectIDs returns the distinct values of column over the matching rows.
	SelectIDs(ctx context.Context, table, column string, filters ...Filter) (IDSet, error)

	// Latest returns the greatest timestamp stored in column over the
	// matching rows. ok is false when no row matches.
	Latest(ctx context.Context, table, column string, filters ...Filter) (t time.Time, ok bool, err error)

	// Average returns the mean of the numeric column over the matching rows,
	// or 0 when none match.
	Average(ctx context.Context, table, column string, filters ...Filter) (float64, error)

	// FindRecent decodes up to limit matching rows, newest created_at first,
	// into dest (a pointer to a slice).
	FindRecent(ctx context.Context, table string, dest interface{}, limit int, filters ...Filter) error

	// Insert adds one record. Returns ErrDuplicate on primary key conflict.
	Insert(ctx context.Context, table string, record interface{}) error

	// Update sets fields on matching rows and returns the number updated.
	Update(ctx context.Context, table string, fields map[string]interface{}, filters ...Filter) (int64, error)

	// DeleteWhere removes matching rows and returns the number deleted.
	DeleteWhere(ctx context.Context, table string, filters ...Filter) (int64, error)
}

// IDSet is a set of row identifiers.
type IDSet map[string]struct{}

// Difference returns the number of ids in s that are not in other.
func (s IDSet) Difference(other IDSet) int {
	n := 0
	for id := range s {
		if _, ok := other[id]; !ok {
			n++
		}
	}
	return n
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq     Op = "eq"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpIn     Op = "in"
	OpIsNull Op = "is_null"
)

// Filter is one column predicate. All filters of a query are ANDed.
type Filter struct {
	Column string
	Op     Op
	Value  interface{}
}

// Eq matches column = value.
func Eq(column string, value interface{}) Filter { return Filter{Column: column, Op: OpEq, Value: value} }

// Gte matches column >= value.
func Gte(column string, value interface{}) Filter { return Filter{Column: column, Op: OpGte, Value: value} }

// Lt matches column < value.
func Lt(column string, value interface{}) Filter { return Filter{Column: column, Op: OpLt, Value: value} }

// In matches column IN values.
func In(column string, values ...interface{}) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// IsNull matches column IS NULL.
func IsNull(column string) Filter { return Filter{Column: column, Op: OpIsNull} }

// Since matches rows whose created_at is at or after t.
func Since(t time.Time) Filter { return Gte(ColumnCreatedAt, t.UTC()) }

// OlderThan matches rows whose created_at is strictly before t.
func OlderThan(t time.Time) Filter { return Lt(ColumnCreatedAt, t.UTC()) }

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validateIdent(names ...string) error {
	for _, n := range names {
		if !identRe.MatchString(n) {
			return fmt.Errorf("invalid identifier %q", n)
		}
	}
	return nil
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if err := validateIdent(f.Column); err != nil {
			return err
		}
		switch f.Op {
		case OpEq, OpGte, OpLt, OpIn, OpIsNull:
		default:
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return nil
}
