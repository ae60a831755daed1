package client

import (
	"context"
	"fmt"
)

// ReadListOfValues returns the value of column key from every row.
func ReadListOfValues(ctx context.Context, session Session, query, key string, params map[string]any) ([]any, error) {
	rows, err := session.Read(ctx, query, params)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, row[key])
	}
	return values, nil
}

// ReadListOfStrings is ReadListOfValues for string columns. Null and
// non-string values are skipped.
func ReadListOfStrings(ctx context.Context, session Session, query, key string, params map[string]any) ([]string, error) {
	values, err := ReadListOfValues(ctx, session, query, key, params)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ReadSingleValue returns column key of the only row. No rows yields nil.
func ReadSingleValue(ctx context.Context, session Session, query, key string, params map[string]any) (any, error) {
	rows, err := session.Read(ctx, query, params)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0][key], nil
	default:
		return nil, fmt.Errorf("expected at most one row, got %d", len(rows))
	}
}
