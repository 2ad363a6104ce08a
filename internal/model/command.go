package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/seantiz/conduit/internal/errdefs"
)

// CommandKind tags the variant carried by a Command.
type CommandKind string

// Command kinds understood by the host executor.
const (
	KindCreateElement         CommandKind = "create_element"
	KindModifyParameters      CommandKind = "modify_parameters"
	KindRunCalculation        CommandKind = "run_calculation"
	KindGenerateDocumentation CommandKind = "generate_documentation"
	KindValidateModel         CommandKind = "validate_model"
)

// Priority orders commands for the host. The queue itself is strictly FIFO.
type Priority string

// Command priorities.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is one of the known priorities.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Params is the kind-specific payload of a Command. The set of
// implementations is closed to this package.
type Params interface {
	Kind() CommandKind
	Validate() error
	clone() Params
}

// Point is a model-space coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// CreateElement places a new element in the host model.
type CreateElement struct {
	ElementType string         `json:"elementType"`
	FamilyName  string         `json:"familyName,omitempty"`
	TypeName    string         `json:"typeName,omitempty"`
	Level       string         `json:"level,omitempty"`
	Location    *Point         `json:"location,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func (CreateElement) Kind() CommandKind { return KindCreateElement }

func (p CreateElement) Validate() error {
	if p.ElementType == "" {
		return errdefs.Invalid("elementType", "is required")
	}
	return nil
}

func (p CreateElement) clone() Params {
	if p.Location != nil {
		loc := *p.Location
		p.Location = &loc
	}
	p.Properties = maps.Clone(p.Properties)
	return p
}

// ModifyParameters sets parameter values on existing elements.
type ModifyParameters struct {
	ElementIDs      []int64        `json:"elementIds"`
	Values          map[string]any `json:"values"`
	CreateIfMissing bool           `json:"createIfMissing,omitempty"`
}

func (ModifyParameters) Kind() CommandKind { return KindModifyParameters }

func (p ModifyParameters) Validate() error {
	if len(p.ElementIDs) == 0 {
		return errdefs.Invalid("elementIds", "at least one element is required")
	}
	if len(p.Values) == 0 {
		return errdefs.Invalid("values", "at least one parameter value is required")
	}
	return nil
}

func (p ModifyParameters) clone() Params {
	p.ElementIDs = slices.Clone(p.ElementIDs)
	p.Values = maps.Clone(p.Values)
	return p
}

// RunCalculation runs an engineering calculation against target elements.
type RunCalculation struct {
	CalculationType  string         `json:"calculationType"`
	TargetElementIDs []int64        `json:"targetElementIds,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	UpdateElements   bool           `json:"updateElements"`
	ReportFormat     string         `json:"reportFormat,omitempty"`
}

func (RunCalculation) Kind() CommandKind { return KindRunCalculation }

func (p RunCalculation) Validate() error {
	if p.CalculationType == "" {
		return errdefs.Invalid("calculationType", "is required")
	}
	return nil
}

func (p RunCalculation) clone() Params {
	p.TargetElementIDs = slices.Clone(p.TargetElementIDs)
	p.Parameters = maps.Clone(p.Parameters)
	return p
}

// GenerateDocumentation produces sheets, schedules or reports.
type GenerateDocumentation struct {
	DocumentationType string   `json:"documentationType"`
	ViewNames         []string `json:"viewNames,omitempty"`
	TemplateName      string   `json:"templateName,omitempty"`
	OutputPath        string   `json:"outputPath,omitempty"`
}

func (GenerateDocumentation) Kind() CommandKind { return KindGenerateDocumentation }

func (p GenerateDocumentation) Validate() error {
	if p.DocumentationType == "" {
		return errdefs.Invalid("documentationType", "is required")
	}
	return nil
}

func (p GenerateDocumentation) clone() Params {
	p.ViewNames = slices.Clone(p.ViewNames)
	return p
}

// ValidateModel checks the host model against a rule set.
type ValidateModel struct {
	Rules            []string `json:"rules"`
	Scope            string   `json:"scope,omitempty"`
	FixAutomatically bool     `json:"fixAutomatically,omitempty"`
}

func (ValidateModel) Kind() CommandKind { return KindValidateModel }

func (p ValidateModel) Validate() error {
	if len(p.Rules) == 0 {
		return errdefs.Invalid("rules", "at least one rule is required")
	}
	return nil
}

func (p ValidateModel) clone() Params {
	p.Rules = slices.Clone(p.Rules)
	return p
}

// Command is a unit of work for the host executor. It is immutable once
// constructed; accessors return copies of any reference-typed data.
type Command struct {
	params          Params
	description     string
	priority        Priority
	transactional   bool
	transactionName string
}

// CommandOption customizes a Command at construction.
type CommandOption func(*Command)

// WithPriority sets the command priority. Defaults to normal.
func WithPriority(p Priority) CommandOption {
	return func(c *Command) { c.priority = p }
}

// WithDescription attaches a human-readable description.
func WithDescription(d string) CommandOption {
	return func(c *Command) { c.description = d }
}

// WithTransaction controls whether the host wraps the command in a
// transaction, and under which name.
func WithTransaction(enabled bool, name string) CommandOption {
	return func(c *Command) {
		c.transactional = enabled
		c.transactionName = name
	}
}

// NewCommand validates params and returns an immutable Command.
func NewCommand(params Params, opts ...CommandOption) (Command, error) {
	if params == nil {
		return Command{}, errdefs.Invalid("command", "parameters are required")
	}
	c := Command{
		params:        params.clone(),
		priority:      PriorityNormal,
		transactional: true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// MustCommand is NewCommand for statically known inputs. It panics on error.
func MustCommand(params Params, opts ...CommandOption) Command {
	c, err := NewCommand(params, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks the command envelope and its kind-specific parameters.
func (c Command) Validate() error {
	if c.params == nil {
		return errdefs.Invalid("command", "parameters are required")
	}
	if !ValidPriority(c.priority) {
		return errdefs.Invalid("priority", "unknown value %q", c.priority)
	}
	return c.params.Validate()
}

// IsZero reports whether c was never constructed.
func (c Command) IsZero() bool { return c.params == nil }

// Kind returns the kind of the parameters, or "" for a zero Command.
func (c Command) Kind() CommandKind {
	if c.params == nil {
		return ""
	}
	return c.params.Kind()
}

// Params returns a copy of the kind-specific parameters.
func (c Command) Params() Params {
	if c.params == nil {
		return nil
	}
	return c.params.clone()
}

// Description returns the human-readable description, possibly empty.
func (c Command) Description() string { return c.description }

// Priority returns the dispatch priority.
func (c Command) Priority() Priority { return c.priority }

// Transactional reports whether the host should wrap execution in a
// named transaction.
func (c Command) Transactional() bool { return c.transactional }

// TransactionName returns the name passed to WithTransaction.
func (c Command) TransactionName() string { return c.transactionName }

// commandWire is the JSON shape of a Command.
type commandWire struct {
	CommandType         CommandKind     `json:"commandType"`
	Description         string          `json:"description,omitempty"`
	Priority            Priority        `json:"priority,omitempty"`
	RequiresTransaction *bool           `json:"requiresTransaction,omitempty"`
	TransactionName     string          `json:"transactionName,omitempty"`
	Parameters          json.RawMessage `json:"parameters"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	if c.params == nil {
		return []byte("null"), nil
	}
	params, err := json.Marshal(c.params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s parameters: %w", c.Kind(), err)
	}
	tx := c.transactional
	return json.Marshal(commandWire{
		CommandType:         c.Kind(),
		Description:         c.description,
		Priority:            c.priority,
		RequiresTransaction: &tx,
		TransactionName:     c.transactionName,
		Parameters:          params,
	})
}

// UnmarshalJSON decodes the variant named by commandType and validates it.
func (c *Command) UnmarshalJSON(data []byte) error {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	return c.decode(w)
}

func (c *Command) decode(w commandWire) error {
	var (
		params Params
		err    error
	)
	switch w.CommandType {
	case KindCreateElement:
		params, err = decodeParams[CreateElement](w.Parameters)
	case KindModifyParameters:
		params, err = decodeParams[ModifyParameters](w.Parameters)
	case KindRunCalculation:
		params, err = decodeParams[RunCalculation](w.Parameters)
	case KindGenerateDocumentation:
		params, err = decodeParams[GenerateDocumentation](w.Parameters)
	case KindValidateModel:
		params, err = decodeParams[ValidateModel](w.Parameters)
	case "":
		return errdefs.Invalid("commandType", "is required")
	default:
		return errdefs.Invalid("commandType", "unknown kind %q", w.CommandType)
	}
	if err != nil {
		return fmt.Errorf("decode %s parameters: %w", w.CommandType, err)
	}

	opts := []CommandOption{WithDescription(w.Description)}
	if w.Priority != "" {
		opts = append(opts, WithPriority(w.Priority))
	}
	if w.RequiresTransaction != nil {
		opts = append(opts, WithTransaction(*w.RequiresTransaction, w.TransactionName))
	} else {
		opts = append(opts, WithTransaction(true, w.TransactionName))
	}

	decoded, err := NewCommand(params, opts...)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

func decodeParams[T Params](raw json.RawMessage) (Params, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
