package retrieval

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// filterableFields are the payload keys a query filter may reference.
// Anything else is rejected rather than silently ignored.
var filterableFields = map[string]bool{
	"source_type":   true,
	"tier":          true,
	"tags":          true,
	"doc_id":        true,
	"video_id":      true,
	"channel":       true,
	"page_number":   true,
	"quality_score": true,
	"published_at":  true,
}

// BuildFilter converts an API filter object into vector store
// conditions. A scalar value is equality, a list is set membership, and
// an object with gte/lte bounds is a range.
func BuildFilter(raw map[string]any) (*storage.Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filter := &storage.Filter{}
	for _, key := range keys {
		if !filterableFields[key] {
			return nil, domain.InvalidInput(fmt.Sprintf("unknown filter field %q", key), nil)
		}
		cond, err := buildCondition(key, raw[key])
		if err != nil {
			return nil, err
		}
		filter.Must = append(filter.Must, cond)
	}
	return filter, nil
}

func buildCondition(field string, value any) (storage.Condition, error) {
	switch v := value.(type) {
	case []any:
		if len(v) == 0 {
			return storage.Condition{}, domain.InvalidInput(fmt.Sprintf("filter %q has an empty list", field), nil)
		}
		values := make([]string, len(v))
		for i, item := range v {
			s, err := scalarString(field, item)
			if err != nil {
				return storage.Condition{}, err
			}
			values[i] = s
		}
		return storage.Condition{Field: field, Op: storage.OpIn, Values: values}, nil

	case map[string]any:
		return buildRange(field, v)

	default:
		s, err := scalarString(field, value)
		if err != nil {
			return storage.Condition{}, err
		}
		return storage.Condition{Field: field, Op: storage.OpEq, Values: []string{s}}, nil
	}
}

// buildRange accepts {"gte": x, "lte": y}; a missing bound defaults to
// the open end of the field's domain.
func buildRange(field string, bounds map[string]any) (storage.Condition, error) {
	for key := range bounds {
		if key != "gte" && key != "lte" {
			return storage.Condition{}, domain.InvalidInput(
				fmt.Sprintf("filter %q range supports gte and lte, got %q", field, key), nil)
		}
	}
	if len(bounds) == 0 {
		return storage.Condition{}, domain.InvalidInput(fmt.Sprintf("filter %q has an empty range", field), nil)
	}

	min, max := rangeDefaults(field)
	if v, ok := bounds["gte"]; ok {
		s, err := scalarString(field, v)
		if err != nil {
			return storage.Condition{}, err
		}
		min = s
	}
	if v, ok := bounds["lte"]; ok {
		s, err := scalarString(field, v)
		if err != nil {
			return storage.Condition{}, err
		}
		max = s
	}
	return storage.Condition{Field: field, Op: storage.OpRange, Values: []string{min, max}}, nil
}

func rangeDefaults(field string) (string, string) {
	if field == "published_at" {
		return time.Time{}.Format(time.RFC3339), time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Format(time.RFC3339)
	}
	return strconv.FormatFloat(-1e308, 'g', -1, 64), strconv.FormatFloat(1e308, 'g', -1, 64)
}

func scalarString(field string, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64: // all JSON numbers decode as float64
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return "", domain.InvalidInput(fmt.Sprintf("filter %q has unsupported value type %T", field, value), nil)
	}
}
