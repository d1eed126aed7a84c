// Package drift compares a mock's canned response against the live backend
// response and reports structural differences. Comparison is structural
// JSON, not textual, so key order and whitespace never count as drift.
package drift

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dbtap/dbtap/pkg/models"
	"github.com/wI2L/jsondiff"
)

// Compare diffs the expected (mock) payload against the actual (live)
// payload. Payloads that are not valid JSON are compared as opaque strings.
func Compare(queryID, mockID, expected, actual string) *models.DriftReport {
	report := &models.DriftReport{QueryID: queryID, MockID: mockID}

	var expectedDoc, actualDoc interface{}
	expErr := json.Unmarshal([]byte(expected), &expectedDoc)
	actErr := json.Unmarshal([]byte(actual), &actualDoc)
	if expErr != nil || actErr != nil {
		if strings.TrimSpace(expected) != strings.TrimSpace(actual) {
			report.Differences = append(report.Differences, models.Difference{
				Path:     "/",
				Kind:     models.ValueMismatch,
				Expected: expected,
				Actual:   actual,
			})
		}
		report.Summary = summarize(report.Differences)
		return report
	}

	patch, err := jsondiff.Compare(expectedDoc, actualDoc)
	if err != nil {
		report.Differences = append(report.Differences, models.Difference{
			Path:     "/",
			Kind:     models.ValueMismatch,
			Expected: expected,
			Actual:   actual,
		})
		report.Summary = summarize(report.Differences)
		return report
	}

	report.Differences = fromPatch(patch)
	report.Summary = summarize(report.Differences)
	return report
}

// fromPatch maps JSON Patch operations onto difference records.
func fromPatch(patch jsondiff.Patch) []models.Difference {
	var diffs []models.Difference
	for _, op := range patch {
		switch op.Type {
		case jsondiff.OperationAdd:
			diffs = append(diffs, models.Difference{
				Path:   op.Path,
				Kind:   models.ExtraProperty,
				Actual: op.Value,
			})
		case jsondiff.OperationRemove:
			diffs = append(diffs, models.Difference{
				Path:     op.Path,
				Kind:     models.MissingProperty,
				Expected: op.OldValue,
			})
		case jsondiff.OperationReplace:
			kind := models.ValueMismatch
			if jsonType(op.OldValue) != jsonType(op.Value) {
				kind = models.TypeMismatch
			}
			diffs = append(diffs, models.Difference{
				Path:     op.Path,
				Kind:     kind,
				Expected: op.OldValue,
				Actual:   op.Value,
			})
		}
	}
	sort.SliceStable(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })
	return diffs
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func summarize(diffs []models.Difference) string {
	if len(diffs) == 0 {
		return "responses match"
	}
	counts := map[models.DifferenceKind]int{}
	for _, d := range diffs {
		counts[d.Kind]++
	}
	parts := make([]string, 0, len(counts))
	for _, kind := range []models.DifferenceKind{
		models.ValueMismatch,
		models.TypeMismatch,
		models.MissingProperty,
		models.ExtraProperty,
	} {
		if n := counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
		}
	}
	return strings.Join(parts, ", ")
}
