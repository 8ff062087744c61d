package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleRoles = `
roles:
  - name: architect
    command: claude
    args: ["-p", "--output-format", "stream-json"]
    prompt: "Design the solution for work item {{number}}"
    feedback_status: "Developer Review"
    target_statuses: ["Test Case Design Review", "Ready"]
    timeout_seconds: 3600
  - name: reviewer
    feedback_status: "Changes Requested"
    target_statuses: ["Approved"]
`

func TestParseRoles(t *testing.T) {
	roles, err := parseRoles([]byte(sampleRoles))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}

	arch := roles["architect"]
	if arch == nil {
		t.Fatal("architect role missing")
	}
	if arch.FeedbackStatus != "Developer Review" {
		t.Errorf("feedback status: %s", arch.FeedbackStatus)
	}
	if arch.FinalTargetStatus() != "Ready" {
		t.Errorf("final target: %s", arch.FinalTargetStatus())
	}
	if !arch.IsTargetStatus("Test Case Design Review") || !arch.IsTargetStatus("Ready") {
		t.Error("target set membership broken")
	}
	if arch.IsTargetStatus("Developer Review") {
		t.Error("feedback status is not a target status")
	}

	// Command defaults when omitted.
	if roles["reviewer"].Command != "claude" {
		t.Errorf("expected default command, got %s", roles["reviewer"].Command)
	}
}

func TestParseRolesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no roles":    "roles: []",
		"no name":     "roles:\n  - command: claude\n    target_statuses: [Done]",
		"no targets":  "roles:\n  - name: x",
		"duplicates":  "roles:\n  - name: x\n    target_statuses: [Done]\n  - name: x\n    target_statuses: [Done]",
		"bad yaml":    "roles: [",
	}
	for name, data := range cases {
		if _, err := parseRoles([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadRolesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	if err := os.WriteFile(path, []byte(sampleRoles), 0o644); err != nil {
		t.Fatal(err)
	}

	roles, err := LoadRoles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := roles["architect"]; !ok {
		t.Error("architect role not loaded")
	}
}
