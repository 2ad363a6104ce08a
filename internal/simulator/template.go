package simulator

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/conduit/internal/model"
)

//go:embed templates.yaml
var defaultTemplates []byte

// defaultResult is the result text of a step with no canned result.
const defaultResult = "✓ Step completed successfully"

// Template is a named, immutable list of steps.
type Template struct {
	Name     string         `yaml:"name" json:"name"`
	Keywords []string       `yaml:"keywords" json:"keywords"`
	Steps    []TemplateStep `yaml:"steps" json:"steps"`
}

// TemplateStep describes one step of a Template.
type TemplateStep struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Agent       string   `yaml:"agent" json:"agentType"`
	Subtasks    []string `yaml:"subtasks" json:"subTasks"`
	Result      []string `yaml:"result" json:"-"`
}

type templateFile struct {
	Default   string     `yaml:"default"`
	Templates []Template `yaml:"templates"`
}

// catalog is the parsed template set, in match order.
type catalog struct {
	byName      map[string]Template
	order       []string
	defaultName string
}

func parseCatalog(data []byte) (*catalog, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("parse templates: no templates defined")
	}

	c := &catalog{byName: make(map[string]Template, len(f.Templates))}
	for _, t := range f.Templates {
		switch {
		case t.Name == "":
			return nil, fmt.Errorf("parse templates: template without a name")
		case len(t.Steps) == 0:
			return nil, fmt.Errorf("parse templates: %s has no steps", t.Name)
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("parse templates: duplicate template %s", t.Name)
		}
		for i, kw := range t.Keywords {
			t.Keywords[i] = strings.ToLower(kw)
		}
		c.byName[t.Name] = t
		c.order = append(c.order, t.Name)
	}

	c.defaultName = f.Default
	if c.defaultName == "" {
		c.defaultName = c.order[0]
	}
	if _, ok := c.byName[c.defaultName]; !ok {
		return nil, fmt.Errorf("parse templates: unknown default %s", c.defaultName)
	}
	return c, nil
}

// classify returns the first template with a keyword contained in text, or
// the default.
func (c *catalog) classify(text string) string {
	text = strings.ToLower(text)
	for _, name := range c.order {
		for _, kw := range c.byName[name].Keywords {
			if kw != "" && strings.Contains(text, kw) {
				return name
			}
		}
	}
	return c.defaultName
}

// clone returns a copy that shares no slices with t.
func (t Template) clone() Template {
	t.Keywords = slices.Clone(t.Keywords)
	steps := make([]TemplateStep, len(t.Steps))
	for i, st := range t.Steps {
		st.Subtasks = slices.Clone(st.Subtasks)
		st.Result = slices.Clone(st.Result)
		steps[i] = st
	}
	t.Steps = steps
	return t
}

// instantiate returns fresh steps for a new process. Every step gets a new
// id and its own subtask slice.
func (t Template) instantiate() []model.OrchestrationStep {
	steps := make([]model.OrchestrationStep, len(t.Steps))
	for i, s := range t.Steps {
		steps[i] = model.OrchestrationStep{
			ID:          model.NewID(),
			Name:        s.Name,
			Description: s.Description,
			AgentType:   s.Agent,
			Status:      model.OrchStepPending,
			Subtasks:    append([]string(nil), s.Subtasks...),
		}
	}
	return steps
}

func (s TemplateStep) resultText() string {
	if len(s.Result) == 0 {
		return defaultResult
	}
	return strings.Join(s.Result, "\n")
}
