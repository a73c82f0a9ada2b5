package schemadiff

import (
	"fmt"
	"sort"
)

// Kind labels the category of a structural difference.
type Kind string

const (
	KindMissingField Kind = "missing_field"
	KindNewField     Kind = "new_field"
	KindTypeMismatch Kind = "type_mismatch"
)

// Difference is one structural divergence between the expected and actual
// JSON trees, located by a dot-joined path.
type Difference struct {
	Kind     Kind   `json:"kind"`
	Path     string `json:"path"`
	Expected string `json:"expected_type,omitempty"`
	Actual   string `json:"actual_type,omitempty"`
}

// Result groups the differences found by Compare.
type Result struct {
	MissingFields  []Difference `json:"missing_fields"`
	NewFields      []Difference `json:"new_fields"`
	TypeMismatches []Difference `json:"type_mismatches"`
}

// TotalDifferences returns the count across all three buckets.
func (r *Result) TotalDifferences() int {
	return len(r.MissingFields) + len(r.NewFields) + len(r.TypeMismatches)
}

// HasDrift reports whether any difference was found.
func (r *Result) HasDrift() bool { return r.TotalDifferences() > 0 }

// Compare walks an expected JSON object against an actual one and collects
// missing fields, new fields, and type mismatches. Keys are visited in sorted
// order so reports are deterministic. Nested objects recurse with a "parent."
// path prefix; arrays of objects descend into element zero with "parent[].".
// An expected null acts as a wildcard: any actual value matches it.
func Compare(expected, actual map[string]any) *Result {
	res := &Result{}
	compareObjects(expected, actual, "", res)
	return res
}

func compareObjects(expected, actual map[string]any, prefix string, res *Result) {
	expKeys := sortedKeys(expected)
	for _, key := range expKeys {
		path := joinPath(prefix, key)
		expVal := expected[key]
		actVal, present := actual[key]
		if !present {
			res.MissingFields = append(res.MissingFields, Difference{
				Kind:     KindMissingField,
				Path:     path,
				Expected: typeLabel(expVal),
			})
			continue
		}
		compareValues(expVal, actVal, path, res)
	}

	actKeys := sortedKeys(actual)
	for _, key := range actKeys {
		if _, present := expected[key]; present {
			continue
		}
		res.NewFields = append(res.NewFields, Difference{
			Kind:   KindNewField,
			Path:   joinPath(prefix, key),
			Actual: typeLabel(actual[key]),
		})
	}
}

func compareValues(expVal, actVal any, path string, res *Result) {
	// Expected null means "unspecified here": anything matches.
	if expVal == nil {
		return
	}
	if actVal == nil {
		res.TypeMismatches = append(res.TypeMismatches, Difference{
			Kind:     KindTypeMismatch,
			Path:     path,
			Expected: typeLabel(expVal),
			Actual:   "null",
		})
		return
	}

	expType := typeLabel(expVal)
	actType := typeLabel(actVal)
	if expType != actType {
		res.TypeMismatches = append(res.TypeMismatches, Difference{
			Kind:     KindTypeMismatch,
			Path:     path,
			Expected: expType,
			Actual:   actType,
		})
		return
	}

	switch expType {
	case "object":
		compareObjects(expVal.(map[string]any), actVal.(map[string]any), path+".", res)
	case "array":
		expArr := expVal.([]any)
		actArr := actVal.([]any)
		if len(expArr) == 0 || len(actArr) == 0 {
			return
		}
		// Arrays of objects are sampled at element zero only.
		expElem, expOK := expArr[0].(map[string]any)
		actElem, actOK := actArr[0].(map[string]any)
		if expOK && actOK {
			compareObjects(expElem, actElem, path+"[].", res)
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// typeLabel maps a decoded JSON value to its canonical label. All numbers
// collapse to "number" since encoding/json decodes every numeric as float64.
func typeLabel(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
