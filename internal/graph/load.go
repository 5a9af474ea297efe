package graph

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Load unmarshals a declarative YAML (or JSON, a YAML subset) graph source
// directly into an App descriptor. This is a structural conversion only:
// no expression is compiled, no activity table is built, the result is
// handed to Validate and then to the orchestrator's deploy operation
// unchanged.
func Load(source []byte) (*App, error) {
	var app App
	if err := yaml.Unmarshal(source, &app); err != nil {
		return nil, fmt.Errorf("graph: load: %w", err)
	}
	return &app, nil
}

// UnmarshalYAML implements yaml.Unmarshaler for RetryPolicy so that a
// present-but-zero maximumInterval is distinguished from an absent one,
// per spec section 9's note that implementations must treat the field's
// absence, not its zero value, as "unset".
func (p *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	type plain struct {
		MaximumAttempts    int     `yaml:"maximumAttempts,omitempty"`
		MaximumInterval    *string `yaml:"maximumInterval,omitempty"`
		BackoffCoefficient float64 `yaml:"backoffCoefficient,omitempty"`
	}
	var raw plain
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.MaximumAttempts = raw.MaximumAttempts
	p.BackoffCoefficient = raw.BackoffCoefficient
	if raw.MaximumInterval != nil {
		p.MaximumInterval = *raw.MaximumInterval
		p.hasMaximumInterval = true
	}
	return nil
}
