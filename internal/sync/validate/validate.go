// Package validate checks queued payloads against per-entity required fields.
package validate

import (
	"encoding/json"
	"strings"
)

// Result is the outcome of a payload check.
type Result struct {
	Valid         bool     `json:"valid"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

// Rule lists the fields a payload must carry. Each AnyOf group is satisfied
// by any one of its fields.
type Rule struct {
	Required []string
	AnyOf    [][]string
}

type ruleKey struct {
	entityType string
	operation  string
	status     string // UPDATE discriminator, "" for any
}

var packActivation = Rule{Required: []string{"bin_id", "opening_serial", "activated_at", "received_at"}}

var rules = map[ruleKey]Rule{
	{"pack", "CREATE", ""}: {
		Required: []string{"pack_id", "store_id", "pack_number"},
		AnyOf:    [][]string{{"game_id", "game_code"}},
	},
	{"pack", "ACTIVATE", ""}:       packActivation,
	{"pack", "UPDATE", "ACTIVE"}:   packActivation,
	{"pack", "UPDATE", "DEPLETED"}: {Required: []string{"closing_serial", "depleted_at", "depletion_reason"}},
	{"pack", "UPDATE", "RETURNED"}: {Required: []string{"returned_at", "return_reason"}},

	{"employee", "CREATE", ""}: {Required: []string{"employee_id", "store_id", "first_name", "last_name"}},
	{"employee", "UPDATE", ""}: {Required: []string{"employee_id", "store_id"}},

	{"shift", "CREATE", ""}: {Required: []string{"shift_id", "store_id"}},
}

// ValidatePayloadStructure checks payload against the rule for entityType and
// operation. Entity types without rules are always valid, and extra fields
// never invalidate a payload.
func ValidatePayloadStructure(entityType, operation string, payload map[string]interface{}) Result {
	rule, ok := lookup(entityType, operation, payload)
	if !ok {
		return Result{Valid: true}
	}

	var missing []string
	for _, field := range rule.Required {
		if !present(payload, field) {
			missing = append(missing, field)
		}
	}
	for _, group := range rule.AnyOf {
		satisfied := false
		for _, field := range group {
			if present(payload, field) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			missing = append(missing, strings.Join(group, " or "))
		}
	}

	if len(missing) > 0 {
		return Result{Valid: false, MissingFields: missing}
	}
	return Result{Valid: true}
}

// ValidateJSON decodes raw and validates it. A payload that is not a JSON
// object is checked as if it were empty.
func ValidateJSON(entityType, operation string, raw []byte) Result {
	var payload map[string]interface{}
	if len(raw) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			payload, _ = decoded.(map[string]interface{})
		}
	}
	return ValidatePayloadStructure(entityType, operation, payload)
}

func lookup(entityType, operation string, payload map[string]interface{}) (Rule, bool) {
	entity := strings.ToLower(strings.TrimSpace(entityType))
	op := strings.ToUpper(strings.TrimSpace(operation))

	if op == "UPDATE" {
		if status, ok := payload["status"].(string); ok {
			if rule, ok := rules[ruleKey{entity, op, strings.ToUpper(status)}]; ok {
				return rule, true
			}
		}
	}
	rule, ok := rules[ruleKey{entity, op, ""}]
	return rule, ok
}

// present treats absent keys and JSON null as missing; "" counts as present.
func present(payload map[string]interface{}, field string) bool {
	v, ok := payload[field]
	return ok && v != nil
}
