// Package stageconfig resolves pipeline stage names to the upstream model
// triple the gateway should route them to.
package stageconfig

import (
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// directStage is recognized syntactically but never has a bound model; the
// pipeline must reject it explicitly rather than look it up here.
const directStage = "direct"

// Stage describes the upstream binding for one pipeline stage.
type Stage struct {
	Model       string   `yaml:"model"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

type fileFormat struct {
	DefaultStage string           `yaml:"default_stage"`
	Stages       map[string]Stage `yaml:"stages"`
}

// Table is an immutable, loaded-once stage configuration.
type Table struct {
	defaultStage string
	stages       map[string]Stage
}

// fallback is the compiled-in table used when the backing YAML file is
// missing, unreadable, or malformed.
func fallback() *Table {
	return &Table{
		defaultStage: "plan",
		stages: map[string]Stage{
			"plan":   {Model: "gpt-4o-mini"},
			"code":   {Model: "gpt-4o"},
			"review": {Model: "gpt-4o"},
		},
	}
}

// Load reads the stage table from path. On any error it logs a warning and
// falls back to the compiled-in table; Load itself never returns an error,
// since a missing or broken stage file must not prevent the server from
// starting.
func Load(path string, logger *slog.Logger) *Table {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("stage config: falling back to compiled-in table", "path", path, "error", err)
		return fallback()
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		logger.Warn("stage config: falling back to compiled-in table", "path", path, "error", err)
		return fallback()
	}

	if len(ff.Stages) == 0 {
		logger.Warn("stage config: file contained no stages, falling back to compiled-in table", "path", path)
		return fallback()
	}

	defaultStage := ff.DefaultStage
	if defaultStage == "" {
		defaultStage = "plan"
	}

	return &Table{defaultStage: defaultStage, stages: ff.Stages}
}

// DefaultStage returns the stage name used when no X-CFX-Stage header is present.
func (t *Table) DefaultStage() string {
	return t.defaultStage
}

// IsValid reports whether s is a recognized stage name, including "direct"
// (which is recognized but unbound).
func (t *Table) IsValid(s string) bool {
	if s == directStage {
		return true
	}
	_, ok := t.stages[s]
	return ok
}

// IsDirect reports whether s is the reserved "direct" stage name.
func IsDirect(s string) bool {
	return s == directStage
}

// Resolve returns the binding for stage s. ok is false if s is unknown or is
// the "direct" stage (which has no bound model).
func (t *Table) Resolve(s string) (Stage, bool) {
	if s == directStage {
		return Stage{}, false
	}
	stage, ok := t.stages[s]
	return stage, ok
}
