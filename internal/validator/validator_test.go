package validator

import (
	"strings"
	"testing"
)

func TestValidateDAGJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name    string
		doc     string
		valid   bool
		wantMsg string
	}{
		{
			name: "tutorial dag",
			doc: `{
				"id": "tutorial",
				"schedule": "@daily",
				"start_date": "2026-01-01T00:00:00Z",
				"default_retry": {"max_attempts": 2, "backoff": "5m"},
				"tasks": [
					{"id": "print_date", "operator": "bash", "bash": {"command": "date"}},
					{"id": "sleep", "operator": "bash", "upstream": ["print_date"], "bash": {"command": "sleep 5"}, "retry": {"max_attempts": 3}},
					{"id": "done", "operator": "empty", "upstream": ["sleep"], "trigger_rule": "all_done", "timeout": 30}
				]
			}`,
			valid: true,
		},
		{
			name:    "missing tasks",
			doc:     `{"id": "x"}`,
			valid:   false,
			wantMsg: "tasks",
		},
		{
			name:  "unknown operator",
			doc:   `{"id": "x", "tasks": [{"id": "a", "operator": "python"}]}`,
			valid: false,
		},
		{
			name:  "operator config required",
			doc:   `{"id": "x", "tasks": [{"id": "a", "operator": "bash"}]}`,
			valid: false,
		},
		{
			name:  "bad trigger rule",
			doc:   `{"id": "x", "tasks": [{"id": "a", "operator": "empty", "trigger_rule": "sometimes"}]}`,
			valid: false,
		},
		{
			name:  "zero attempts",
			doc:   `{"id": "x", "tasks": [{"id": "a", "operator": "empty", "retry": {"max_attempts": 0}}]}`,
			valid: false,
		},
		{
			name:    "invalid json",
			doc:     `{"id":`,
			valid:   false,
			wantMsg: "invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateDAGJSON([]byte(tt.doc))
			if result.Valid != tt.valid {
				t.Fatalf("expected valid=%v, got %v (errors: %+v)", tt.valid, result.Valid, result.Errors)
			}
			if tt.valid {
				if result.Err() != nil {
					t.Errorf("Err() should be nil for valid result")
				}
				return
			}
			if len(result.Errors) == 0 {
				t.Fatal("expected at least one error")
			}
			if tt.wantMsg != "" && !strings.Contains(result.Err().Error(), tt.wantMsg) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantMsg, result.Err())
			}
		})
	}
}
