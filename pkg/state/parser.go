package state

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

// Parser turns raw documents into validated records and narrows records to
// provider-specific shapes.
type Parser struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewParser creates a parser with the built-in record schema.
func NewParser() (*Parser, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Parser{
		schemas:   schemas,
		validator: validator.New(),
	}, nil
}

// Schemas returns the schema registry used by the parser.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// ParseBytes decodes a YAML document and parses it.
func (p *Parser) ParseBytes(data []byte) (*Record, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, engine.NewValidationError("", fmt.Sprintf("invalid YAML: %v", err))
	}
	if raw == nil {
		return nil, engine.NewValidationError("", "empty state document")
	}
	return p.Parse(raw)
}

// Parse migrates raw to the current version, validates it and decodes it.
func (p *Parser) Parse(raw map[string]interface{}) (*Record, error) {
	migrated, err := Migrate(raw)
	if err != nil {
		return nil, err
	}
	if err := p.schemas.Validate("state", migrated); err != nil {
		return nil, err
	}

	var rec Record
	if err := Decode(migrated, &rec); err != nil {
		return nil, engine.NewValidationError("", err.Error())
	}
	if rec.Provision.Input == nil {
		rec.Provision.Input = Values{}
	}
	if rec.Configuration.Input == nil {
		rec.Configuration.Input = Values{}
	}
	return &rec, nil
}

// Validate checks a record before it is persisted.
func (p *Parser) Validate(rec *Record) error {
	raw, err := ToRaw(rec)
	if err != nil {
		return err
	}
	if err := p.schemas.Validate("state", raw); err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			ee.WithInstance(rec.Name)
		}
		return err
	}
	return nil
}

// Struct runs struct tag validation and reports the first failing field.
func (p *Parser) Struct(prefix string, v interface{}) error {
	if err := p.validator.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return engine.NewValidationError(prefix+"."+fe.Field(),
				fmt.Sprintf("failed on %q validation", fe.Tag()))
		}
		return engine.NewValidationError(prefix, err.Error())
	}
	return nil
}

// Marshal serializes a record to YAML.
func Marshal(rec *Record) ([]byte, error) {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// ToRaw converts a record to plain maps, as it would be read back from disk.
func ToRaw(rec *Record) (map[string]interface{}, error) {
	data, err := Marshal(rec)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return raw, nil
}

// Decode converts loosely typed values into a typed struct using yaml tags.
func Decode(in interface{}, out interface{}) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode values: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode values: %w", err)
	}
	return nil
}

// Encode converts a typed struct into loosely typed values using yaml tags.
func Encode(in interface{}) (Values, error) {
	var out Values
	if err := Decode(in, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Values{}
	}
	return out, nil
}

// DecodeInstance decodes the provision input and output of inst into in and
// out, checking in against its validate tags. out is left untouched when the
// instance has no provision output.
func (p *Parser) DecodeInstance(inst engine.InstanceContext, in, out interface{}) error {
	if err := Decode(inst.ProvisionInput, in); err != nil {
		return engine.NewValidationError("provision.input", err.Error()).WithInstance(inst.Name)
	}
	if err := p.Struct("provision.input", in); err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			ee.WithInstance(inst.Name)
		}
		return err
	}
	if inst.ProvisionOutput != nil && out != nil {
		if err := Decode(inst.ProvisionOutput, out); err != nil {
			return engine.NewValidationError("provision.output", err.Error()).WithInstance(inst.Name)
		}
	}
	return nil
}

// Typed is a record narrowed to a provider's input and output types.
type Typed[I any, O any] struct {
	Record *Record
	Input  I
	Output *O
}

// Narrow checks the provider tag of rec and decodes its provision input and
// output into I and O. Input structs are checked against their validate tags.
func Narrow[I any, O any](p *Parser, rec *Record, provider string) (*Typed[I, O], error) {
	if rec.Provision.Provider != provider {
		return nil, engine.NewValidationError("provision.provider",
			fmt.Sprintf("expected provider %q, got %q", provider, rec.Provision.Provider)).WithInstance(rec.Name)
	}

	t := &Typed[I, O]{Record: rec}
	if err := Decode(rec.Provision.Input, &t.Input); err != nil {
		return nil, engine.NewValidationError("provision.input", err.Error()).WithInstance(rec.Name)
	}
	if err := p.Struct("provision.input", &t.Input); err != nil {
		return nil, err
	}

	if rec.Provision.Output != nil {
		var out O
		if err := Decode(rec.Provision.Output, &out); err != nil {
			return nil, engine.NewValidationError("provision.output", err.Error()).WithInstance(rec.Name)
		}
		t.Output = &out
	}
	return t, nil
}
