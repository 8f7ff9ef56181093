package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// postgrestPageSize bounds each paged read; PostgREST deployments
// commonly cap responses at 1000 rows.
const postgrestPageSize = 1000

// PostgRESTConfig holds connection settings for a Supabase/PostgREST endpoint.
type PostgRESTConfig struct {
	URL            string // project URL, e.g. https://xyz.supabase.co
	ServiceRoleKey string
	Timeout        time.Duration
}

// PostgRESTStateRepository implements StateRepository against the
// PostgREST API exposed by Supabase.
type PostgRESTStateRepository struct {
	client *resty.Client
}

var _ StateRepository = (*PostgRESTStateRepository)(nil)

// NewPostgRESTStateRepository creates a REST-backed repository.
func NewPostgRESTStateRepository(cfg *PostgRESTConfig) *PostgRESTStateRepository {
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.URL, "/") + "/rest/v1")
	client.SetHeader("apikey", cfg.ServiceRoleKey)
	client.SetHeader("Authorization", "Bearer "+cfg.ServiceRoleKey)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &PostgRESTStateRepository{client: client}
}

// postgrestError is the error body returned by PostgREST.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Ping requests the OpenAPI root, which needs a valid key but touches no table.
func (r *PostgRESTStateRepository) Ping(ctx context.Context) error {
	resp, err := r.client.R().SetContext(ctx).Head("/")
	if err != nil {
		return fmt.Errorf("ping postgrest: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("ping postgrest: status %d", resp.StatusCode())
	}
	return nil
}

// CountWhere uses an exact count with a HEAD request and reads Content-Range.
func (r *PostgRESTStateRepository) CountWhere(ctx context.Context, table string, filters ...Filter) (int64, error) {
	params, err := r.params(table, filters)
	if err != nil {
		return 0, err
	}
	params.Set("select", ColumnID)

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "count=exact").
		SetQueryParamsFromValues(params).
		Head("/" + table)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	if err := checkResponse(resp, "count "+table); err != nil {
		return 0, err
	}
	return parseContentRangeTotal(resp.Header().Get("Content-Range"))
}

// SelectIDs pages through the column values ordered by the column itself.
func (r *PostgRESTStateRepository) SelectIDs(ctx context.Context, table, column string, filters ...Filter) (IDSet, error) {
	if err := validateIdent(column); err != nil {
		return nil, err
	}
	params, err := r.params(table, filters)
	if err != nil {
		return nil, err
	}
	params.Set("select", column)
	params.Set("order", column+".asc")

	set := make(IDSet)
	err = r.eachPage(ctx, table, params, func(rows []map[string]interface{}) {
		for _, row := range rows {
			if v, ok := row[column]; ok && v != nil {
				set[fmt.Sprint(v)] = struct{}{}
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("select %s.%s: %w", table, column, err)
	}
	return set, nil
}

// Average pages through the column and averages client-side; aggregate
// functions are disabled on PostgREST by default.
func (r *PostgRESTStateRepository) Average(ctx context.Context, table, column string, filters ...Filter) (float64, error) {
	if err := validateIdent(column); err != nil {
		return 0, err
	}
	params, err := r.params(table, filters)
	if err != nil {
		return 0, err
	}
	params.Set("select", column)
	params.Set("order", ColumnID+".asc")

	var sum float64
	var n int
	var bad interface{}
	err = r.eachPage(ctx, table, params, func(rows []map[string]interface{}) {
		for _, row := range rows {
			switch v := row[column].(type) {
			case nil:
			case float64:
				sum += v
				n++
			default:
				bad = v
			}
		}
	})
	if err != nil {
		return 0, fmt.Errorf("average %s.%s: %w", table, column, err)
	}
	if bad != nil {
		return 0, fmt.Errorf("average %s.%s: non-numeric value %v", table, column, bad)
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// eachPage GETs table in pages of postgrestPageSize until a short page.
func (r *PostgRESTStateRepository) eachPage(ctx context.Context, table string, params url.Values, fn func(rows []map[string]interface{})) error {
	params.Set("limit", strconv.Itoa(postgrestPageSize))
	for offset := 0; ; offset += postgrestPageSize {
		params.Set("offset", strconv.Itoa(offset))

		var rows []map[string]interface{}
		resp, err := r.client.R().
			SetContext(ctx).
			SetQueryParamsFromValues(params).
			SetResult(&rows).
			Get("/" + table)
		if err != nil {
			return err
		}
		if err := checkResponse(resp, "read "+table); err != nil {
			return err
		}
		fn(rows)
		if len(rows) < postgrestPageSize {
			return nil
		}
	}
}

// Latest orders by column descending and takes one row.
func (r *PostgRESTStateRepository) Latest(ctx context.Context, table, column string, filters ...Filter) (time.Time, bool, error) {
	if err := validateIdent(column); err != nil {
		return time.Time{}, false, err
	}
	params, err := r.params(table, filters)
	if err != nil {
		return time.Time{}, false, err
	}
	params.Set("select", column)
	params.Set("order", column+".desc.nullslast")
	params.Set("limit", "1")

	var rows []map[string]interface{}
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&rows).
		Get("/" + table)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest %s.%s: %w", table, column, err)
	}
	if err := checkResponse(resp, "latest "+table); err != nil {
		return time.Time{}, false, err
	}
	if len(rows) == 0 || rows[0][column] == nil {
		return time.Time{}, false, nil
	}
	raw, ok := rows[0][column].(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrMalformedTimestamp, rows[0][column])
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// FindRecent decodes the newest rows into dest. Rows are fetched in pages
// of postgrestPageSize, so limit 0 returns every match even when the server
// caps a single response.
func (r *PostgRESTStateRepository) FindRecent(ctx context.Context, table string, dest interface{}, limit int, filters ...Filter) error {
	params, err := r.params(table, filters)
	if err != nil {
		return err
	}
	params.Set("select", "*")
	params.Set("order", ColumnCreatedAt+".desc,"+ColumnID+".asc")

	var all []json.RawMessage
	for offset := 0; ; {
		pageSize := postgrestPageSize
		if limit > 0 && limit-len(all) < pageSize {
			pageSize = limit - len(all)
		}
		params.Set("limit", strconv.Itoa(pageSize))
		if offset > 0 {
			params.Set("offset", strconv.Itoa(offset))
		}

		resp, err := r.client.R().
			SetContext(ctx).
			SetQueryParamsFromValues(params).
			Get("/" + table)
		if err != nil {
			return fmt.Errorf("find %s: %w", table, err)
		}
		if err := checkResponse(resp, "find "+table); err != nil {
			return err
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(resp.Body(), &rows); err != nil {
			return fmt.Errorf("find %s: decode: %w", table, err)
		}
		all = append(all, rows...)
		offset += len(rows)

		if len(rows) < pageSize || (limit > 0 && len(all) >= limit) {
			break
		}
	}

	body, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("find %s: %w", table, err)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("find %s: decode: %w", table, err)
	}
	return nil
}

// Insert posts one record; a 409 maps to ErrDuplicate.
func (r *PostgRESTStateRepository) Insert(ctx context.Context, table string, record interface{}) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(record).
		Post("/" + table)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return ErrDuplicate
	}
	return checkResponse(resp, "insert "+table)
}

// Update patches matching rows and counts the returned representation.
func (r *PostgRESTStateRepository) Update(ctx context.Context, table string, fields map[string]interface{}, filters ...Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("update %s: refusing unfiltered update", table)
	}
	params, err := r.params(table, filters)
	if err != nil {
		return 0, err
	}
	params.Set("select", ColumnID)

	body := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		body[k] = restValue(v)
	}

	var rows []map[string]interface{}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParamsFromValues(params).
		SetBody(body).
		SetResult(&rows).
		Patch("/" + table)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	if err := checkResponse(resp, "update "+table); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// DeleteWhere deletes matching rows and counts the returned ids.
func (r *PostgRESTStateRepository) DeleteWhere(ctx context.Context, table string, filters ...Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete %s: refusing unfiltered delete", table)
	}
	params, err := r.params(table, filters)
	if err != nil {
		return 0, err
	}
	params.Set("select", ColumnID)

	var rows []map[string]interface{}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParamsFromValues(params).
		SetResult(&rows).
		Delete("/" + table)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	if err := checkResponse(resp, "delete "+table); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// params renders filters as PostgREST query parameters (col=op.value).
func (r *PostgRESTStateRepository) params(table string, filters []Filter) (url.Values, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}
	params := make(url.Values)
	for _, f := range filters {
		var expr string
		switch f.Op {
		case OpIsNull:
			expr = "is.null"
		case OpIn:
			values, _ := f.Value.([]interface{})
			parts := make([]string, 0, len(values))
			for _, v := range values {
				parts = append(parts, restLiteral(v))
			}
			expr = "in.(" + strings.Join(parts, ",") + ")"
		default:
			expr = string(f.Op) + "." + restLiteral(f.Value)
		}
		params.Add(f.Column, expr)
	}
	return params, nil
}

func restLiteral(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		return formatTimestamp(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func restValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return formatTimestamp(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatTimestamp(*t)
	default:
		return v
	}
}

func checkResponse(resp *resty.Response, op string) error {
	if !resp.IsError() {
		return nil
	}
	var perr postgrestError
	if err := json.Unmarshal(resp.Body(), &perr); err == nil && perr.Message != "" {
		return fmt.Errorf("%s: status %d: %s (%s)", op, resp.StatusCode(), perr.Message, perr.Code)
	}
	return fmt.Errorf("%s: status %d", op, resp.StatusCode())
}

// parseContentRangeTotal extracts N from "0-24/N" or "*/N".
func parseContentRangeTotal(header string) (int64, error) {
	idx := strings.LastIndex(header, "/")
	if idx == -1 || idx == len(header)-1 {
		return 0, fmt.Errorf("missing count in Content-Range %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("count not returned in Content-Range %q", header)
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid count in Content-Range %q: %w", header, err)
	}
	return n, nil
}
