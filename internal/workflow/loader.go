package workflow

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cbriice/agentswarm/internal/message"
)

// Registry holds every loaded template, indexed by name and alias.
type Registry struct {
	byName map[string]*Template
}

// Resolve looks up a template by name or alias.
func (r *Registry) Resolve(name string) (*Template, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns every canonical template name in the registry.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	seen := make(map[string]bool)
	for _, t := range r.byName {
		if !seen[t.Name] {
			seen[t.Name] = true
			names = append(names, t.Name)
		}
	}
	return names
}

// LoadBuiltinTemplates loads every built-in template from the embedded
// templates directory.
func LoadBuiltinTemplates() (*Registry, error) {
	return LoadTemplatesFromFS(builtinTemplates, "templates")
}

// LoadTemplatesFromFS loads and validates every "*.yaml" template file in
// dir on fsys, exposed directly so callers (and tests) can load templates
// from a source other than the embedded built-ins.
func LoadTemplatesFromFS(fsys fs.FS, dir string) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading template directory: %w", err)
	}

	reg := &Registry{byName: make(map[string]*Template)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		fsPath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading template file %s: %w", fsPath, err)
		}

		tmpl, err := parseTemplate(content)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", fsPath, err)
		}

		if err := validateTemplate(tmpl); err != nil {
			return nil, fmt.Errorf("invalid template %s: %w", fsPath, err)
		}

		reg.byName[tmpl.Name] = tmpl
		for _, alias := range tmpl.Aliases {
			reg.byName[alias] = tmpl
		}
	}

	return reg, nil
}

// yamlStep and yamlTemplate mirror Step/Template but with string duration
// fields, since yaml.v3 does not decode "10m"-style scalars into
// time.Duration on its own.
type yamlStep struct {
	ID            string       `yaml:"id"`
	Description   string       `yaml:"description"`
	Role          message.Role `yaml:"role"`
	Type          StepType     `yaml:"type"`
	InputTypes    []string     `yaml:"inputTypes"`
	OutputType    string       `yaml:"outputType"`
	MaxIterations int          `yaml:"maxIterations"`
	Timeout       string       `yaml:"timeout"`
	Optional      bool         `yaml:"optional"`
}

type yamlTemplate struct {
	Name           string         `yaml:"name"`
	Aliases        []string       `yaml:"aliases"`
	Roles          []message.Role `yaml:"roles"`
	Steps          []yamlStep     `yaml:"steps"`
	Transitions    []Transition   `yaml:"transitions"`
	EntryStep      string         `yaml:"entryStep"`
	CompletionStep string         `yaml:"completionStep"`
	MaxDuration    string         `yaml:"maxDuration"`
	MaxRevisions   int            `yaml:"maxRevisions"`
}

func parseTemplate(content []byte) (*Template, error) {
	var raw yamlTemplate
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, err
	}

	maxDuration, err := time.ParseDuration(raw.MaxDuration)
	if err != nil {
		return nil, fmt.Errorf("parsing maxDuration %q: %w", raw.MaxDuration, err)
	}

	tmpl := &Template{
		Name:           raw.Name,
		Aliases:        raw.Aliases,
		Roles:          raw.Roles,
		Transitions:    raw.Transitions,
		EntryStep:      raw.EntryStep,
		CompletionStep: raw.CompletionStep,
		MaxDuration:    maxDuration,
		MaxRevisions:   raw.MaxRevisions,
	}

	for _, rs := range raw.Steps {
		timeout, err := time.ParseDuration(rs.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parsing timeout %q for step %q: %w", rs.Timeout, rs.ID, err)
		}
		tmpl.Steps = append(tmpl.Steps, Step{
			ID:            rs.ID,
			Description:   rs.Description,
			Role:          rs.Role,
			Type:          rs.Type,
			InputTypes:    rs.InputTypes,
			OutputType:    rs.OutputType,
			MaxIterations: rs.MaxIterations,
			Timeout:       timeout,
			Optional:      rs.Optional,
		})
	}

	return tmpl, nil
}

// validateTemplate checks the structural invariants engine.go relies on:
// every step id referenced by a transition or entry/completion marker must
// exist, and the completion step must be reachable.
func validateTemplate(t *Template) error {
	if t.Name == "" {
		return fmt.Errorf("template missing name")
	}
	if _, ok := t.Step(t.EntryStep); !ok {
		return fmt.Errorf("entryStep %q not defined in steps", t.EntryStep)
	}
	if _, ok := t.Step(t.CompletionStep); !ok {
		return fmt.Errorf("completionStep %q not defined in steps", t.CompletionStep)
	}
	for _, tr := range t.Transitions {
		if _, ok := t.Step(tr.From); !ok {
			return fmt.Errorf("transition references unknown from-step %q", tr.From)
		}
		if _, ok := t.Step(tr.To); !ok {
			return fmt.Errorf("transition references unknown to-step %q", tr.To)
		}
	}
	reached := map[string]bool{t.EntryStep: true}
	queue := []string{t.EntryStep}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, tr := range t.TransitionsFrom(cur) {
			if !reached[tr.To] {
				reached[tr.To] = true
				queue = append(queue, tr.To)
			}
		}
	}
	if !reached[t.CompletionStep] {
		return fmt.Errorf("completionStep %q not reachable from entryStep %q", t.CompletionStep, t.EntryStep)
	}
	return nil
}
