// Package schema loads the declarative column expectations for the
// transactional sales table. The document is maintained outside this
// program and is read-only here.
package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Column is the expectation for a single column.
type Column struct {
	Type     string
	Required bool
}

// Expectation maps column name to its expected type and required flag.
type Expectation struct {
	Columns map[string]Column
}

// All returns every declared column, sorted.
func (e Expectation) All() []string {
	out := make([]string, 0, len(e.Columns))
	for name := range e.Columns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Required returns the columns flagged as required, sorted.
func (e Expectation) Required() []string {
	var out []string
	for name, c := range e.Columns {
		if c.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SchemaCheckError means the expectation source is unreadable or malformed.
type SchemaCheckError struct {
	Path string
	Err  error
}

func (e *SchemaCheckError) Error() string {
	return fmt.Sprintf("schema check: %s: %v", e.Path, e.Err)
}

func (e *SchemaCheckError) Unwrap() error {
	return e.Err
}

// document is the on-disk shape: one section per dataset, e.g.
//
//	{"sales": {"columns": {"date": "datetime64[ns]", ...}, "required": ["date", ...]}}
type document map[string]struct {
	Columns  map[string]string `yaml:"columns"`
	Required []string          `yaml:"required"`
}

// Load reads the named section of a JSON or YAML expectation file.
func Load(path, section string) (Expectation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Expectation{}, &SchemaCheckError{Path: path, Err: err}
	}
	return Parse(path, section, data)
}

// Parse decodes an expectation document already in memory.
func Parse(path, section string, data []byte) (Expectation, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Expectation{}, &SchemaCheckError{Path: path, Err: fmt.Errorf("decode: %w", err)}
	}

	sec, ok := doc[section]
	if !ok {
		return Expectation{}, &SchemaCheckError{Path: path, Err: fmt.Errorf("section %q not found", section)}
	}
	if len(sec.Columns) == 0 {
		return Expectation{}, &SchemaCheckError{Path: path, Err: fmt.Errorf("section %q declares no columns", section)}
	}

	exp := Expectation{Columns: make(map[string]Column, len(sec.Columns))}
	for name, typ := range sec.Columns {
		exp.Columns[name] = Column{Type: typ}
	}
	for _, name := range sec.Required {
		c, ok := exp.Columns[name]
		if !ok {
			// A required column that is not declared is still expected.
			c = Column{}
		}
		c.Required = true
		exp.Columns[name] = c
	}
	return exp, nil
}
