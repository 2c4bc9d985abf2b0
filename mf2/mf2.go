// Package mf2 models Microformats2 post properties as they travel through
// the Micropub pipeline.
//
// Property values are a tagged variant rather than untyped maps: a value
// is a plain scalar (text or URI), HTML-typed content, or a nested mf2
// object such as an h-card inside an h-entry. Downstream code switches on
// the variant instead of guessing shapes at runtime.
package mf2

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates the variants of a Value.
type Kind int

const (
	// KindScalar is plain text or a URI.
	KindScalar Kind = iota
	// KindHTML is content explicitly typed as html; it is stored verbatim
	// and never escaped, but also never trusted as markup elsewhere.
	KindHTML
	// KindNested is a nested mf2 object with its own type and properties.
	KindNested
)

// Value is one mf2 property value.
type Value struct {
	kind   Kind
	scalar string
	nested *Object
}

// String creates a scalar Value.
func String(s string) Value { return Value{kind: KindScalar, scalar: s} }

// HTML creates an html-typed content Value.
func HTML(s string) Value { return Value{kind: KindHTML, scalar: s} }

// Nested creates a Value wrapping a nested mf2 object.
func Nested(o *Object) Value { return Value{kind: KindNested, nested: o} }

// Kind reports the variant of v.
func (v Value) Kind() Kind { return v.kind }

// Scalar returns the text of a scalar or html value, or "" for nested.
func (v Value) Scalar() string { return v.scalar }

// Object returns the nested object, or nil for scalar and html values.
func (v Value) Object() *Object { return v.nested }

// MarshalJSON renders the value in microformats2-parsing JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindScalar:
		return json.Marshal(v.scalar)
	case KindHTML:
		return json.Marshal(map[string]string{"html": v.scalar})
	case KindNested:
		return json.Marshal(v.nested)
	}
	return nil, fmt.Errorf("mf2: unknown value kind %d", v.kind)
}

// UnmarshalJSON accepts a scalar string, an {"html": ...} content object,
// or a nested mf2 object.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = String(s)
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("mf2: value is neither scalar nor object: %w", err)
	}
	if raw, ok := probe["html"]; ok && len(probe) == 1 {
		var html string
		if err := json.Unmarshal(raw, &html); err != nil {
			return fmt.Errorf("mf2: html content value: %w", err)
		}
		*v = HTML(html)
		return nil
	}
	if raw, ok := probe["markdown"]; ok && len(probe) == 1 {
		// Markdown-typed content is plain text as far as we are concerned.
		var md string
		if err := json.Unmarshal(raw, &md); err != nil {
			return fmt.Errorf("mf2: markdown content value: %w", err)
		}
		*v = String(md)
		return nil
	}
	if raw, ok := probe["value"]; ok {
		// Micropub image objects, {"value": url, "alt": text}: the URL is
		// the property value, the alt is advisory metadata.
		var u string
		if err := json.Unmarshal(raw, &u); err == nil {
			*v = String(u)
			return nil
		}
	}
	obj := &Object{}
	if err := json.Unmarshal(data, obj); err != nil {
		return err
	}
	*v = Nested(obj)
	return nil
}

// Object is an mf2 object: a type like ["h-entry"] plus properties.
type Object struct {
	Type       []string
	Properties PropertyMap
}

// MarshalJSON renders the object in microformats2-parsing JSON shape.
func (o *Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       []string     `json:"type,omitempty"`
		Properties *PropertyMap `json:"properties"`
	}{o.Type, &o.Properties})
}

// UnmarshalJSON parses {"type": [...], "properties": {...}}.
func (o *Object) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       []string     `json:"type"`
		Properties *PropertyMap `json:"properties"`
	}
	raw.Properties = &o.Properties
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Type = raw.Type
	return nil
}

// PropertyMap is an ordered mapping of property name to values. Insertion
// order is preserved so a post round-trips without property shuffling.
type PropertyMap struct {
	keys   []string
	values map[string][]Value
}

// Set replaces all values for name.
func (p *PropertyMap) Set(name string, vals ...Value) {
	if p.values == nil {
		p.values = make(map[string][]Value)
	}
	if _, ok := p.values[name]; !ok {
		p.keys = append(p.keys, name)
	}
	p.values[name] = vals
}

// Add appends values for name, keeping existing ones.
func (p *PropertyMap) Add(name string, vals ...Value) {
	if existing, ok := p.values[name]; ok {
		p.values[name] = append(existing, vals...)
		return
	}
	p.Set(name, vals...)
}

// Get returns the values for name, or nil.
func (p *PropertyMap) Get(name string) []Value {
	return p.values[name]
}

// First returns the first scalar text for name, or "".
func (p *PropertyMap) First(name string) string {
	vals := p.values[name]
	if len(vals) == 0 {
		return ""
	}
	return vals[0].Scalar()
}

// Has reports whether name is present with at least one value.
func (p *PropertyMap) Has(name string) bool {
	return len(p.values[name]) > 0
}

// Delete removes name entirely.
func (p *PropertyMap) Delete(name string) {
	if _, ok := p.values[name]; !ok {
		return
	}
	delete(p.values, name)
	for i, k := range p.keys {
		if k == name {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the property names in insertion order.
func (p *PropertyMap) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Len reports the number of properties.
func (p *PropertyMap) Len() int { return len(p.keys) }

// MarshalJSON renders properties as {"name": [values...]} in order.
// encoding/json does not preserve map order, so build the object by hand.
func (p *PropertyMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range p.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vals, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, vals...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON parses a properties object. Go maps do not preserve key
// order, so the object is walked with a token decoder to keep document
// order.
func (p *PropertyMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("mf2: properties object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("mf2: properties must be a JSON object")
	}
	*p = PropertyMap{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("mf2: properties object: %w", err)
		}
		name := keyTok.(string)
		var rv rawValues
		if err := dec.Decode(&rv); err != nil {
			return fmt.Errorf("mf2: property %q: %w", name, err)
		}
		p.Set(name, rv.vals...)
	}
	return nil
}

// rawValues accepts either a JSON array of values or a bare value, since
// some clients send scalars where Micropub wants single-element arrays.
type rawValues struct {
	vals []Value
}

func (r *rawValues) UnmarshalJSON(data []byte) error {
	var list []Value
	if err := json.Unmarshal(data, &list); err == nil && len(data) > 0 && data[0] == '[' {
		r.vals = list
		return nil
	}
	var single Value
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	r.vals = []Value{single}
	return nil
}

