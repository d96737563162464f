// Package fields resolves form field definitions: expanding counted repeater
// fields into indexed child-field keys and evaluating visibility conditions.
//
// The repeater convention is shared by chat form rendering and cosigner
// extraction: a repeater field's value is an integer count N, and each child
// field appears once per index under the key "{fieldID}_repeat_{i}_{childID}".
package fields

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/FlowDesk/StagePipe/internal/models"
)

// RepeaterGroup is one expanded instance of a repeater field.
type RepeaterGroup struct {
	// Label is the group heading, "{field.Label} #{index+1}".
	Label string
	// Index is the zero-based repeat index.
	Index int
	// Keys maps each child field id to its synthesized value key.
	Keys map[string]string
}

// MaxRepeaterCount bounds repeater expansion. The count arrives as submitted
// form data, so it is clamped before any slice or map is sized from it.
const MaxRepeaterCount = 50

// RepeaterKey builds the synthesized value key for one child field of a
// repeater at the given index.
func RepeaterKey(fieldID string, index int, childID string) string {
	return fmt.Sprintf("%s_repeat_%d_%s", fieldID, index, childID)
}

// RepeatCount reads a repeater field's count from submitted values. Missing,
// malformed, or negative values count as zero; counts above MaxRepeaterCount
// are clamped.
func RepeatCount(field models.FormField, values models.FormValues) int {
	raw := strings.TrimSpace(values[field.ID])
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		slog.Warn("fields.RepeatCount: invalid repeater count", "fieldID", field.ID, "value", raw)
		return 0
	}
	if n > MaxRepeaterCount {
		slog.Warn("fields.RepeatCount: repeater count clamped", "fieldID", field.ID, "value", raw, "max", MaxRepeaterCount)
		return MaxRepeaterCount
	}
	return n
}

// ExpandRepeater expands a repeater field into one group per repeat index.
// Non-repeater fields yield no groups.
func ExpandRepeater(field models.FormField, values models.FormValues) []RepeaterGroup {
	if !field.IsRepeater || len(field.RepeatsFields) == 0 {
		return nil
	}
	count := RepeatCount(field, values)
	groups := make([]RepeaterGroup, 0, count)
	for i := 0; i < count; i++ {
		keys := make(map[string]string, len(field.RepeatsFields))
		for _, childID := range field.RepeatsFields {
			keys[childID] = RepeaterKey(field.ID, i, childID)
		}
		groups = append(groups, RepeaterGroup{
			Label: fmt.Sprintf("%s #%d", field.Label, i+1),
			Index: i,
			Keys:  keys,
		})
	}
	return groups
}

// conditionMatches evaluates a single visibility condition against values.
// The sentinel equals value "has_value" means the referenced field is
// non-empty.
func conditionMatches(cond models.ShowIfCondition, values models.FormValues) bool {
	actual := values[cond.Field]
	if cond.Equals == models.HasValueSentinel {
		return strings.TrimSpace(actual) != ""
	}
	return actual == cond.Equals
}

// IsVisible resolves a field's visibility from its conditions. Multiple
// conditions combine via the field's ConditionOperator (AND when unset); a
// field with no conditions falls back to the legacy single ShowIf, and is
// visible when neither is present.
func IsVisible(field models.FormField, values models.FormValues) bool {
	if len(field.ShowIfConditions) > 0 {
		op := field.ConditionOperator
		if op == "" {
			op = models.ConditionOperatorAnd
		}
		switch op {
		case models.ConditionOperatorOr:
			for _, cond := range field.ShowIfConditions {
				if conditionMatches(cond, values) {
					return true
				}
			}
			return false
		default:
			for _, cond := range field.ShowIfConditions {
				if !conditionMatches(cond, values) {
					return false
				}
			}
			return true
		}
	}
	if field.ShowIf != nil {
		return conditionMatches(*field.ShowIf, values)
	}
	return true
}

// TopLevelFields filters out fields that are children of any repeater; those
// are never rendered at top level, only inside their expanded groups.
func TopLevelFields(all []models.FormField) []models.FormField {
	children := make(map[string]bool)
	for _, f := range all {
		if f.IsRepeater {
			for _, childID := range f.RepeatsFields {
				children[childID] = true
			}
		}
	}
	out := make([]models.FormField, 0, len(all))
	for _, f := range all {
		if !children[f.ID] {
			out = append(out, f)
		}
	}
	return out
}
