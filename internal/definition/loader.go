package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/eventchain/internal/domain"
)

// File — YAML-описание одного определения.
//
//	name: member-joined-onboarding
//	trigger:
//	  event_type: family.member_joined
//	  module: family
//	enabled: true
//	steps:
//	  - alias: wallet
//	    module: finance
//	    action: create_wallet
//	    version: 1
//	    input:
//	      memberId: trigger.memberId
//	      note: { value: "Welcome {{ .Trigger.name }}" }
//	    compensation: delete_wallet
//	    max_retries: 5
//	    timeout: 10s
//
// Документы в одном файле разделяются "---"; документ со списком
// definitions содержит несколько определений.
type File struct {
	TenantID    string      `yaml:"tenant_id,omitempty"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Enabled     *bool       `yaml:"enabled,omitempty"`
	Template    bool        `yaml:"template,omitempty"`
	Trigger     TriggerSpec `yaml:"trigger"`
	Steps       []StepSpec  `yaml:"steps"`
}

// TriggerSpec — триггер определения.
type TriggerSpec struct {
	EventType string `yaml:"event_type"`
	Module    string `yaml:"module,omitempty"`
}

// StepSpec — шаг определения.
type StepSpec struct {
	Alias        string                 `yaml:"alias"`
	Name         string                 `yaml:"name,omitempty"`
	Order        int                    `yaml:"order,omitempty"`
	Module       string                 `yaml:"module"`
	Action       string                 `yaml:"action"`
	Version      int                    `yaml:"version,omitempty"`
	Input        map[string]MappingSpec `yaml:"input,omitempty"`
	Condition    string                 `yaml:"condition,omitempty"`
	Compensation string                 `yaml:"compensation,omitempty"`
	MaxRetries   *int                   `yaml:"max_retries,omitempty"`
	Timeout      Duration               `yaml:"timeout,omitempty"`
}

// MappingSpec — input mapping; скаляр — короткая форма (ссылка).
type MappingSpec domain.InputMapping

// UnmarshalYAML поддерживает короткую форму "trigger.memberId".
func (m *MappingSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var from string
		if err := value.Decode(&from); err != nil {
			return err
		}
		*m = MappingSpec{From: from}
		return nil
	}

	var full struct {
		From     string `yaml:"from"`
		Value    any    `yaml:"value"`
		Optional bool   `yaml:"optional"`
		Default  any    `yaml:"default"`
	}
	if err := value.Decode(&full); err != nil {
		return err
	}
	*m = MappingSpec(domain.InputMapping{
		From:     full.From,
		Value:    full.Value,
		Optional: full.Optional,
		Default:  full.Default,
	})
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type document struct {
	File        `yaml:",inline"`
	Definitions []File `yaml:"definitions,omitempty"`
}

// LoadFile читает определения из YAML-файла.
func LoadFile(path string) ([]domain.ChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions file: %w", err)
	}
	defs, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse читает определения из YAML-потока.
func Parse(r io.Reader) ([]domain.ChainDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []domain.ChainDefinition
	for {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}

		files := doc.Definitions
		if doc.Name != "" {
			files = append([]File{doc.File}, files...)
		}
		for i := range files {
			def, err := files[i].toDefinition()
			if err != nil {
				return nil, err
			}
			defs = append(defs, *def)
		}
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no definitions found", ErrInvalidYAML)
	}
	return defs, nil
}

func (f *File) toDefinition() (*domain.ChainDefinition, error) {
	def := &domain.ChainDefinition{
		Name:             f.Name,
		Description:      f.Description,
		IsEnabled:        f.Enabled == nil || *f.Enabled,
		IsTemplate:       f.Template,
		TriggerEventType: f.Trigger.EventType,
		TriggerModule:    f.Trigger.Module,
	}
	if f.TenantID != "" {
		id, err := uuid.Parse(f.TenantID)
		if err != nil {
			return nil, fmt.Errorf("%w: definition %s: invalid tenant_id: %v", ErrInvalidYAML, f.Name, err)
		}
		def.TenantID = id
	}

	for i, s := range f.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		version := s.Version
		if version == 0 {
			version = 1
		}
		step := domain.ChainDefinitionStep{
			StepOrder:              order,
			Alias:                  s.Alias,
			Name:                   s.Name,
			ActionModule:           s.Module,
			ActionType:             s.Action,
			ActionVersion:          version,
			ConditionExpression:    s.Condition,
			IsCompensatable:        s.Compensation != "",
			CompensationActionType: s.Compensation,
			MaxRetries:             s.MaxRetries,
			TimeoutSec:             int(time.Duration(s.Timeout) / time.Second),
		}
		if len(s.Input) > 0 {
			step.InputMappings = make(map[string]domain.InputMapping, len(s.Input))
			for param, m := range s.Input {
				step.InputMappings[param] = domain.InputMapping(m)
			}
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}
