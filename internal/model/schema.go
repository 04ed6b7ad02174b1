package model

import (
	_ "embed"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var schemaYAML []byte

// FieldType classifies how the cleaning executor coerces a target field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldDate    FieldType = "date"
)

// TargetField is one entry in the fixed target schema.
type TargetField struct {
	Code     string    `yaml:"code"`
	Label    string    `yaml:"label"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
}

// TargetSchema is the fixed set of fields a source column may map to.
type TargetSchema struct {
	Fields []TargetField `yaml:"fields"`

	byCode map[string]TargetField
}

var (
	schemaOnce sync.Once
	schema     *TargetSchema
)

// Schema returns the embedded target schema registry. The registry is parsed
// once per process.
func Schema() *TargetSchema {
	schemaOnce.Do(func() {
		var s TargetSchema
		if err := yaml.Unmarshal(schemaYAML, &s); err != nil {
			panic("model: embedded schema.yaml is invalid: " + err.Error())
		}
		s.byCode = make(map[string]TargetField, len(s.Fields))
		for _, f := range s.Fields {
			s.byCode[f.Code] = f
		}
		schema = &s
	})
	return schema
}

// Field looks up a target field by code.
func (s *TargetSchema) Field(code string) (TargetField, bool) {
	f, ok := s.byCode[code]
	return f, ok
}

// Has reports whether code is a valid target field code.
func (s *TargetSchema) Has(code string) bool {
	_, ok := s.byCode[code]
	return ok
}

// Required returns the codes of all required target fields, in schema order.
func (s *TargetSchema) Required() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Code)
		}
	}
	return out
}

// Codes returns every target field code in schema order.
func (s *TargetSchema) Codes() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Code
	}
	return out
}
