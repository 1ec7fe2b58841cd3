package qdrant

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Callers pass filters as a flat map: a scalar value means equality, a
// {"$in": [...]} object means match-any. Anything richer is rejected so a
// filter the adapter does not understand can never widen the result set. The
// namespace condition is always the first must clause.

const filterOpIn = "$in"

type searchFilter struct {
	Must []fieldCondition `json:"must"`
}

type fieldCondition struct {
	Key   string         `json:"key"`
	Match map[string]any `json:"match"`
}

func eqCondition(key string, value any) fieldCondition {
	return fieldCondition{Key: key, Match: map[string]any{"value": value}}
}

func anyCondition(key string, values []any) fieldCondition {
	return fieldCondition{Key: key, Match: map[string]any{"any": values}}
}

func buildFilter(scopedNS string, raw map[string]any) (*searchFilter, error) {
	out := &searchFilter{Must: []fieldCondition{eqCondition(payloadNamespaceKey, scopedNS)}}
	if len(raw) == 0 {
		return out, nil
	}

	fields := make([]string, 0, len(raw))
	for field := range raw {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		name := strings.TrimSpace(field)
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "$") {
			return nil, failOp("filter_translate", OperationErrorUnsupportedFilter,
				nil, "unsupported filter operator %q", name)
		}
		cond, err := conditionFor(name, raw[field])
		if err != nil {
			return nil, err
		}
		out.Must = append(out.Must, cond)
	}
	return out, nil
}

func conditionFor(field string, value any) (fieldCondition, error) {
	obj, isObject := value.(map[string]any)
	if !isObject {
		scalar, ok := asScalar(value)
		if !ok {
			return fieldCondition{}, failOp("filter_translate", OperationErrorValidation,
				nil, "field %q expects scalar value or %s object", field, filterOpIn)
		}
		return eqCondition(field, scalar), nil
	}

	list, hasIn := obj[filterOpIn]
	if !hasIn || len(obj) != 1 {
		return fieldCondition{}, failOp("filter_translate", OperationErrorUnsupportedFilter,
			nil, "field %q supports scalar equality or %s only", field, filterOpIn)
	}
	values, err := asScalarList(list)
	if err != nil {
		return fieldCondition{}, failOp("filter_translate", OperationErrorValidation,
			err, "operator %s for field %q expects scalar array", filterOpIn, field)
	}
	if len(values) == 0 {
		return fieldCondition{}, failOp("filter_translate", OperationErrorValidation,
			nil, "operator %s for field %q cannot be empty", filterOpIn, field)
	}
	return anyCondition(field, values), nil
}

func asScalarList(value any) ([]any, error) {
	switch list := value.(type) {
	case []any:
		out := make([]any, 0, len(list))
		for _, v := range list {
			scalar, ok := asScalar(v)
			if !ok {
				return nil, fmt.Errorf("expected scalar, got %T", v)
			}
			out = append(out, scalar)
		}
		return out, nil
	case []string:
		out := make([]any, 0, len(list))
		for _, v := range list {
			out = append(out, v)
		}
		return out, nil
	case []int:
		out := make([]any, 0, len(list))
		for _, v := range list {
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected scalar array, got %T", value)
	}
}

func asScalar(value any) (any, bool) {
	switch v := value.(type) {
	case string, bool, int, int64, float64:
		return v, true
	case int32:
		return int(v), true
	case float32:
		return float64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return f, true
		}
		return nil, false
	default:
		return nil, false
	}
}
