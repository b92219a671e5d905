package sqlstore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}

// dateTag marks a date variable in stored JSON: {"$date": "2024-05-01T10:00:00Z"}.
const dateTag = "$date"

func encodeVariables(vars map[string]any) (string, error) {
	if vars == nil {
		return "{}", nil
	}
	return encodeJSON(tagDates(vars))
}

// tagDates copies v replacing every time.Time with its tagged form so it survives the JSON round trip.
func tagDates(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]string{dateTag: val.Format(time.RFC3339Nano)}
	case *time.Time:
		if val == nil {
			return nil
		}
		return tagDates(*val)
	case map[string]any:
		res := make(map[string]any, len(val))
		for k, item := range val {
			res[k] = tagDates(item)
		}
		return res
	case []any:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = tagDates(item)
		}
		return res
	case []map[string]any:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = tagDates(item)
		}
		return res
	case []time.Time:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = tagDates(item)
		}
		return res
	default:
		return v
	}
}

// decodeVariables reads a JSON object keeping integers as int64, other numbers become float64
// and tagged dates become time.Time.
func decodeVariables(data string) (map[string]any, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var res map[string]any
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	for k, v := range res {
		res[k] = normalizeNumbers(v)
	}
	return res, nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		return runtime.JSONNumber(val)
	case map[string]any:
		if date, ok := untagDate(val); ok {
			return date
		}
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}

// untagDate recognises {"$date": "<RFC3339>"}, any other map is a plain variable.
func untagDate(m map[string]any) (time.Time, bool) {
	if len(m) != 1 {
		return time.Time{}, false
	}
	text, ok := m[dateTag].(string)
	if !ok {
		return time.Time{}, false
	}
	date, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
