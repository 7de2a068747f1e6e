package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"parley/internal/infra/config"
	"parley/internal/infra/logger"
)

func profileSpecs() []config.FieldSpec {
	min, max := 0.0, 1000000.0
	return []config.FieldSpec{
		{Name: "full_name", Type: "string", Required: true},
		{Name: "annual_income", Type: "number", Required: true, Min: &min, Max: &max},
		{Name: "state", Type: "string", Enum: []string{"CA", "NY", "WA"}},
		{Name: "notes", Type: "string"},
	}
}

func TestProfileUpdateString(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())
	state := testState()

	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{"field":"full_name","value":"Ada Lovelace"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	v, ok := state.Field("full_name")
	if !ok || v != "Ada Lovelace" {
		t.Errorf("full_name = %v (present %v), want Ada Lovelace", v, ok)
	}
}

func TestProfileUpdateNumber(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())
	state := testState()

	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{"field":"annual_income","value":85000}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	v, _ := state.Field("annual_income")
	if v != 85000.0 {
		t.Errorf("annual_income = %v, want 85000", v)
	}
}

func TestProfileUpdateNeverCoerces(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())
	state := testState()

	// A quoted number is a string; it must be rejected, not converted.
	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{"field":"annual_income","value":"85000"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected rejection, got: %s", result.Content)
	}
	if !strings.Contains(result.Content, "expects a number") {
		t.Errorf("unexpected message: %s", result.Content)
	}
	if _, ok := state.Field("annual_income"); ok {
		t.Error("rejected value must not be stored")
	}
}

func TestProfileUpdateUnknownField(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())
	state := testState()

	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{"field":"hobby","value":"chess"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}

	doc := decodeDoc(t, result.Content)
	valid, ok := doc["valid_values"].([]any)
	if !ok || len(valid) != 4 {
		t.Fatalf("expected 4 valid_values, got: %s", result.Content)
	}
	if valid[0] != "full_name" {
		t.Errorf("valid_values[0] = %v, want full_name (declaration order)", valid[0])
	}
	if len(state.DomainFields) != 0 {
		t.Error("state must stay untouched")
	}
}

func TestProfileUpdateEnumViolation(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())
	state := testState()

	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{"field":"state","value":"TX"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}

	doc := decodeDoc(t, result.Content)
	if doc["rejected_value"] != "TX" {
		t.Errorf("rejected_value = %v, want TX", doc["rejected_value"])
	}
	valid, _ := doc["valid_values"].([]any)
	if len(valid) != 3 {
		t.Errorf("expected enum values in document: %s", result.Content)
	}
	if _, ok := state.Field("state"); ok {
		t.Error("rejected value must not be stored")
	}
}

func TestProfileUpdateRangeViolation(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())

	cases := []struct {
		name  string
		value string
		want  string
	}{
		{"below min", `-5`, "at least 0"},
		{"above max", `2000000`, "at most 1e+06"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := testState()
			args := json.RawMessage(`{"field":"annual_income","value":` + tc.value + `}`)
			result, err := tool.Execute(context.Background(), state, args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if !strings.Contains(result.Content, tc.want) {
				t.Errorf("message %q does not contain %q", result.Content, tc.want)
			}
			if _, ok := state.Field("annual_income"); ok {
				t.Error("rejected value must not be stored")
			}
		})
	}
}

func TestProfileUpdateNullValue(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())
	state := testState()

	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{"field":"full_name","value":null}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "requires a value") {
		t.Errorf("expected missing value rejection, got: %s", result.Content)
	}
}

func TestProfileUpdateMissingField(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())

	result, err := tool.Execute(context.Background(), testState(), json.RawMessage(`{"value":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "'field' is required") {
		t.Errorf("expected required field message, got: %s", result.Content)
	}
}

func TestProfileToolPolicies(t *testing.T) {
	update := NewProfileUpdateTool(profileSpecs(), logger.Discard())
	get := NewProfileGetTool(profileSpecs(), logger.Discard())

	if !update.Mutating() {
		t.Error("profile_update must be mutating")
	}
	if get.Mutating() {
		t.Error("profile_get must be pure")
	}
}

func TestProfileGetSingle(t *testing.T) {
	tool := NewProfileGetTool(profileSpecs(), logger.Discard())
	state := testState()
	state.SetField("full_name", "Ada Lovelace")

	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{"field":"full_name"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := decodeDoc(t, result.Content)
	if doc["value"] != "Ada Lovelace" || doc["collected"] != true {
		t.Errorf("unexpected document: %s", result.Content)
	}
}

func TestProfileGetUncollected(t *testing.T) {
	tool := NewProfileGetTool(profileSpecs(), logger.Discard())

	result, err := tool.Execute(context.Background(), testState(), json.RawMessage(`{"field":"notes"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := decodeDoc(t, result.Content)
	if doc["collected"] != false {
		t.Errorf("expected collected=false, got: %s", result.Content)
	}
	if _, present := doc["value"]; present {
		t.Errorf("uncollected field must not carry a value: %s", result.Content)
	}
}

func TestProfileGetUnknownField(t *testing.T) {
	tool := NewProfileGetTool(profileSpecs(), logger.Discard())

	result, err := tool.Execute(context.Background(), testState(), json.RawMessage(`{"field":"hobby"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	doc := decodeDoc(t, result.Content)
	if _, ok := doc["valid_values"]; !ok {
		t.Errorf("expected valid_values: %s", result.Content)
	}
}

func TestProfileGetAll(t *testing.T) {
	tool := NewProfileGetTool(profileSpecs(), logger.Discard())
	state := testState()
	state.SetField("full_name", "Ada Lovelace")
	state.SetField("state", "CA")

	result, err := tool.Execute(context.Background(), state, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := decodeDoc(t, result.Content)
	fields, ok := doc["fields"].(map[string]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("expected 2 collected fields, got: %s", result.Content)
	}
	missing, ok := doc["missing_required"].([]any)
	if !ok || len(missing) != 1 || missing[0] != "annual_income" {
		t.Errorf("missing_required = %v, want [annual_income]", doc["missing_required"])
	}
}

func TestProfileGetDoesNotMutate(t *testing.T) {
	tool := NewProfileGetTool(profileSpecs(), logger.Discard())
	state := testState()

	if _, err := tool.Execute(context.Background(), state, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(state.DomainFields) != 0 || len(state.Messages) != 0 {
		t.Error("read tool must not touch state")
	}
}

func TestProfileUpdateSchemaShape(t *testing.T) {
	tool := NewProfileUpdateTool(profileSpecs(), logger.Discard())

	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.Schema().Parameters, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if len(schema.Required) != 2 {
		t.Errorf("required = %v, want [field value]", schema.Required)
	}
}
