package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Role is the behavioral profile assigned to a worker: how to invoke it and
// which external statuses drive resume and completion.
type Role struct {
	Name           string   `yaml:"name"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	Prompt         string   `yaml:"prompt"`
	FeedbackStatus string   `yaml:"feedback_status"`
	TargetStatuses []string `yaml:"target_statuses"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsTargetStatus reports whether the given external status counts as done
// for this role.
func (r *Role) IsTargetStatus(status string) bool {
	for _, t := range r.TargetStatuses {
		if t == status {
			return true
		}
	}
	return false
}

// FinalTargetStatus is the status registered as the completion target for
// tracked items: the last entry of the target set.
func (r *Role) FinalTargetStatus() string {
	if len(r.TargetStatuses) == 0 {
		return ""
	}
	return r.TargetStatuses[len(r.TargetStatuses)-1]
}

type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadRoles reads role definitions from a YAML file. When path is empty, the
// project-level .claude-flow/roles.yaml is tried first, then the global
// ~/.claude-flow/roles.yaml.
func LoadRoles(path string) (map[string]*Role, error) {
	if path == "" {
		path = resolveRolesPath()
	}
	if path == "" {
		return nil, fmt.Errorf("no roles file found (looked for .claude-flow/roles.yaml)")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	return parseRoles(data)
}

func parseRoles(data []byte) (map[string]*Role, error) {
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roles yaml: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("roles file defines no roles")
	}

	roles := make(map[string]*Role, len(f.Roles))
	for i := range f.Roles {
		r := &f.Roles[i]
		if r.Name == "" {
			return nil, fmt.Errorf("role at index %d has no name", i)
		}
		if r.Command == "" {
			r.Command = "claude"
		}
		if len(r.TargetStatuses) == 0 {
			return nil, fmt.Errorf("role %q has no target statuses", r.Name)
		}
		if _, dup := roles[r.Name]; dup {
			return nil, fmt.Errorf("duplicate role %q", r.Name)
		}
		roles[r.Name] = r
	}
	return roles, nil
}

func resolveRolesPath() string {
	project := filepath.Join(".claude-flow", "roles.yaml")
	if _, err := os.Stat(project); err == nil {
		return project
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	global := filepath.Join(home, ".claude-flow", "roles.yaml")
	if _, err := os.Stat(global); err == nil {
		return global
	}
	return ""
}
