package cdc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"dbsync/internal/models"
)

// ErrEventRejected is returned when a transform function rejects an
// event by returning null or undefined.
var ErrEventRejected = errors.New("event rejected by transformer")

// TransformRule is one declarative field transformation, matched by
// database and table ("*" or empty matches any).
type TransformRule struct {
	Database  string                 `yaml:"database" json:"database"`
	Table     string                 `yaml:"table" json:"table"`
	Include   []string               `yaml:"include" json:"include,omitempty"`
	Exclude   []string               `yaml:"exclude" json:"exclude,omitempty"`
	Rename    map[string]string      `yaml:"rename" json:"rename,omitempty"`
	AddFields map[string]interface{} `yaml:"add_fields" json:"add_fields,omitempty"`
}

// TransformConfig configures the per-provider transformation stage.
// A JavaScript script takes precedence over declarative rules.
type TransformConfig struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Script  string          `yaml:"script" json:"script,omitempty"` // path to a JS file
	Rules   []TransformRule `yaml:"rules" json:"rules,omitempty"`

	// ScriptSource holds inline script text; set by tests or callers
	// that do not load from a file.
	ScriptSource string `yaml:"-" json:"-"`
}

// Transformer applies configured field transformations to captured
// events before they enter the buffer.
type Transformer struct {
	cfg      TransformConfig
	logger   *logrus.Logger
	rules    []*ruleMatcher
	jsScript string
}

type ruleMatcher struct {
	database  string
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]interface{}
}

// NewTransformer builds a transformer from config, validating any
// JavaScript script up front.
func NewTransformer(cfg TransformConfig, logger *logrus.Logger) (*Transformer, error) {
	t := &Transformer{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return t, nil
	}

	script := cfg.ScriptSource
	if script == "" && cfg.Script != "" {
		content, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read transform script: %w", err)
		}
		script = string(content)
	}
	if script != "" {
		if err := validateScript(script); err != nil {
			return nil, fmt.Errorf("invalid transform script: %w", err)
		}
		t.jsScript = script
		logger.Infof("Loaded JavaScript transformation script")
	}

	for _, rule := range cfg.Rules {
		m := &ruleMatcher{
			database:  rule.Database,
			table:     rule.Table,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    rule.Rename,
			addFields: rule.AddFields,
		}
		for _, f := range rule.Include {
			m.include[strings.ToLower(f)] = true
		}
		for _, f := range rule.Exclude {
			m.exclude[strings.ToLower(f)] = true
		}
		t.rules = append(t.rules, m)
	}
	return t, nil
}

// validateScript checks that the script evaluates to a function or
// defines a named transform function.
func validateScript(script string) error {
	vm := goja.New()
	result, err := vm.RunString(script)
	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if _, ok := goja.AssertFunction(result); ok {
			return nil
		}
	}
	named := vm.Get("transform")
	if named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		if _, ok := goja.AssertFunction(named); ok {
			return nil
		}
	}
	return fmt.Errorf("script must evaluate to a function or define a 'transform' function")
}

// Transform applies the configured transformation to one event. The
// script path returns ErrEventRejected when the function returns null.
func (t *Transformer) Transform(ev *models.ChangeEvent) (*models.ChangeEvent, error) {
	if !t.cfg.Enabled {
		return ev, nil
	}
	if t.jsScript != "" {
		return t.transformWithScript(ev)
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(ev), nil
	}
	return ev, nil
}

func (t *Transformer) transformWithScript(ev *models.ChangeEvent) (*models.ChangeEvent, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	// goja.Runtime is not thread-safe; each transformation gets a
	// fresh one.
	vm := goja.New()
	t.bindConsole(vm)

	result, err := vm.RunString(t.jsScript)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transform script: %w", err)
	}

	var fn goja.Callable
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		fn, _ = goja.AssertFunction(result)
	}
	if fn == nil {
		named := vm.Get("transform")
		if named != nil {
			fn, _ = goja.AssertFunction(named)
		}
	}
	if fn == nil {
		return nil, fmt.Errorf("transform script did not produce a callable function")
	}

	var input map[string]interface{}
	if err := json.Unmarshal(eventJSON, &input); err != nil {
		return nil, fmt.Errorf("failed to decode event for script: %w", err)
	}
	out, err := fn(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, fmt.Errorf("transform function failed: %w", err)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, ErrEventRejected
	}

	outJSON, err := json.Marshal(out.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to encode transformed event: %w", err)
	}
	transformed := &models.ChangeEvent{}
	if err := json.Unmarshal(outJSON, transformed); err != nil {
		return nil, fmt.Errorf("transform produced an invalid event: %w", err)
	}
	// Preserve identity and routing fields the script did not set.
	if transformed.ID == "" {
		transformed.ID = ev.ID
	}
	if transformed.Position == "" {
		transformed.Position = ev.Position
	}
	transformed.RawJSON = outJSON
	return transformed, nil
}

func (t *Transformer) bindConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	log := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, fmt.Sprintf("%v", arg.Export()))
		}
		t.logger.Infof("[transform] %s", strings.Join(parts, " "))
		return goja.Undefined()
	}
	_ = console.Set("log", log)
	_ = console.Set("error", log)
	_ = vm.Set("console", console)
}

func (t *Transformer) transformWithRules(ev *models.ChangeEvent) *models.ChangeEvent {
	for _, rule := range t.rules {
		if !rule.matches(ev.Source.Database, ev.Source.Table) {
			continue
		}
		ev.NewValues = rule.applyToRow(ev.NewValues)
		ev.OldValues = rule.applyToRow(ev.OldValues)
	}
	return ev
}

func (m *ruleMatcher) matches(database, table string) bool {
	if m.database != "" && m.database != "*" && m.database != database {
		return false
	}
	if m.table != "" && m.table != "*" && m.table != table {
		return false
	}
	return true
}

func (m *ruleMatcher) applyToRow(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}
	out := make(map[string]interface{}, len(row))
	for field, value := range row {
		lower := strings.ToLower(field)
		if len(m.include) > 0 && !m.include[lower] {
			continue
		}
		if m.exclude[lower] {
			continue
		}
		if renamed, ok := m.rename[field]; ok {
			field = renamed
		}
		out[field] = value
	}
	for field, value := range m.addFields {
		out[field] = value
	}
	return out
}
