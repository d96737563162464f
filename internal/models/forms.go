// Package models defines the form field definition types consumed by the
// repeater field resolver and the cosigner extraction logic.
package models

// ConditionOperator combines multiple visibility conditions.
type ConditionOperator string

const (
	ConditionOperatorAnd ConditionOperator = "AND"
	ConditionOperatorOr  ConditionOperator = "OR"
)

// HasValueSentinel is the special Equals value meaning "field is non-empty".
const HasValueSentinel = "has_value"

// ShowIfCondition is one visibility condition on a form field.
type ShowIfCondition struct {
	Field  string `json:"field"`
	Equals string `json:"equals"`
}

// FormField is one field definition within a form template. A repeater field
// holds an integer count and expands into indexed copies of its child fields.
type FormField struct {
	ID                string            `json:"id"`
	Label             string            `json:"label"`
	Type              string            `json:"type,omitempty"`
	IsRepeater        bool              `json:"is_repeater,omitempty"`
	RepeatsFields     []string          `json:"repeats_fields,omitempty"`
	ShowIfConditions  []ShowIfCondition `json:"show_if_conditions,omitempty"`
	ConditionOperator ConditionOperator `json:"condition_operator,omitempty"`
	// ShowIf is the legacy single-condition form, honored only when
	// ShowIfConditions is absent.
	ShowIf *ShowIfCondition `json:"show_if,omitempty"`
}

// FormValues maps field keys (including synthesized repeater keys) to their
// submitted values.
type FormValues map[string]string

// FormData is the submitted answers keyed by project type, then form id, then
// field key.
type FormData map[string]map[string]FormValues

// Values returns the submitted values for one form under one project type.
// Missing levels yield an empty map.
func (d FormData) Values(projectType, formID string) FormValues {
	forms, ok := d[projectType]
	if !ok {
		return FormValues{}
	}
	values, ok := forms[formID]
	if !ok {
		return FormValues{}
	}
	return values
}
