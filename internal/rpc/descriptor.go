// ABOUTME: Capability descriptor built once per agent type from its operation table
// ABOUTME: Provides lookup of available operations, validation reports and describe listings

package rpc

import (
	"fmt"
	"slices"
	"strings"
)

// Descriptor is the immutable capability table of one agent type.
type Descriptor struct {
	typeName string
	ops      []Operation          // declaration order, including unavailable ones
	byName   map[string]Operation // available operations, first declaration wins
	names    []string             // sorted names of available operations
}

// NewDescriptor builds the descriptor of an agent type. Building never fails;
// definition problems are reported by Validate.
func NewDescriptor(typeName string, ops []Operation) *Descriptor {
	d := &Descriptor{
		typeName: typeName,
		ops:      slices.Clone(ops),
		byName:   make(map[string]Operation),
	}
	for _, op := range d.ops {
		if !op.Available() {
			continue
		}
		if _, dup := d.byName[op.Name]; dup {
			continue
		}
		d.byName[op.Name] = op
		d.names = append(d.names, op.Name)
	}
	slices.Sort(d.names)
	return d
}

// TypeName returns the agent type this descriptor was built for.
func (d *Descriptor) TypeName() string {
	return d.typeName
}

// Lookup returns the available operation with the given name.
func (d *Descriptor) Lookup(name string) (Operation, bool) {
	op, ok := d.byName[name]
	return op, ok
}

// Operations returns the available operations sorted by name.
func (d *Descriptor) Operations() []Operation {
	out := make([]Operation, 0, len(d.names))
	for _, name := range d.names {
		out = append(out, d.byName[name])
	}
	return out
}

// Validate returns one message per definition problem: duplicate available
// names, unnamed parameters of otherwise visible operations, and optional
// parameters of a non-nullable primitive type. An empty slice means the type
// is valid.
func (d *Descriptor) Validate() []string {
	var problems []string
	seen := make(map[string]bool)

	for _, op := range d.ops {
		if !op.visible() {
			continue
		}
		if op.Name == "" {
			problems = append(problems, fmt.Sprintf("operation without a name (type %s)", d.typeName))
		}
		if op.Handler == nil {
			problems = append(problems, fmt.Sprintf(
				"operation '%s' has no handler (type %s)", op.Name, d.typeName))
		}
		if op.Available() {
			if seen[op.Name] {
				problems = append(problems, fmt.Sprintf(
					"operation '%s' is defined more than once, which is not allowed (type %s)",
					op.Name, d.typeName))
			}
			seen[op.Name] = true
		}
		for i, p := range op.Params {
			if p.Name == "" {
				problems = append(problems, fmt.Sprintf(
					"parameter %d of operation '%s' has no name, which makes the operation unavailable (type %s)",
					i, op.Name, d.typeName))
				continue
			}
			if p.Optional && p.Type.IsPrimitive() {
				problems = append(problems, fmt.Sprintf(
					"parameter '%s' of operation '%s' cannot be both optional and of primitive type %s (type %s)",
					p.Name, op.Name, p.Type, d.typeName))
			}
		}
	}
	return problems
}

// ParamDescription is the structured form of one parameter.
type ParamDescription struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// ResultDescription is the structured form of a result type.
type ResultDescription struct {
	Type string `json:"type"`
}

// OperationDescription is the structured form of one available operation.
type OperationDescription struct {
	Method      string             `json:"method"`
	Description string             `json:"description,omitempty"`
	Params      []ParamDescription `json:"params"`
	Result      ResultDescription  `json:"result"`
}

// Describe lists the available operations sorted by name. Structured entries
// are OperationDescription values; otherwise each entry is a signature string
// such as "Int add(Int a, [Int b])".
func (d *Descriptor) Describe(structured bool) []any {
	out := make([]any, 0, len(d.names))
	for _, op := range d.Operations() {
		if structured {
			out = append(out, describeOperation(op))
		} else {
			out = append(out, Signature(op))
		}
	}
	return out
}

// Descriptions returns the structured listing with its concrete type.
func (d *Descriptor) Descriptions() []OperationDescription {
	out := make([]OperationDescription, 0, len(d.names))
	for _, op := range d.Operations() {
		out = append(out, describeOperation(op))
	}
	return out
}

func describeOperation(op Operation) OperationDescription {
	params := make([]ParamDescription, 0, len(op.Params))
	for _, p := range op.Params {
		params = append(params, ParamDescription{
			Name:     p.Name,
			Type:     p.Type.String(),
			Required: !p.Optional,
		})
	}
	return OperationDescription{
		Method:      op.Name,
		Description: op.Description,
		Params:      params,
		Result:      ResultDescription{Type: op.Result.String()},
	}
}

// Signature renders an operation as a human readable signature. Optional
// parameters are bracketed.
func Signature(op Operation) string {
	parts := make([]string, 0, len(op.Params))
	for _, p := range op.Params {
		s := p.Type.String() + " " + p.Name
		if p.Optional {
			s = "[" + s + "]"
		}
		parts = append(parts, s)
	}
	return fmt.Sprintf("%s %s(%s)", op.Result, op.Name, strings.Join(parts, ", "))
}

// Markdown renders the listing as a Markdown document.
func (d *Descriptor) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.typeName)
	if len(d.names) == 0 {
		b.WriteString("_No operations available._\n")
		return b.String()
	}
	for _, op := range d.Operations() {
		fmt.Fprintf(&b, "- `%s`", Signature(op))
		if op.Description != "" {
			fmt.Fprintf(&b, ": %s", op.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
