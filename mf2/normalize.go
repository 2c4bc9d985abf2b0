package mf2

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Form keys that belong to the transport, not to the post.
var ignoredFormKeys = map[string]bool{
	"action":       true,
	"url":          true,
	"auth_token":   true,
	"access_token": true,
}

// EntryFromJSON parses a JSON-encoded Micropub create body:
// {"type": ["h-entry"], "properties": {...}}. Nested mf2 objects inside
// property values are preserved as structured sub-properties.
func EntryFromJSON(data []byte) (*Object, error) {
	obj := &Object{}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("mf2: parse json entry: %w", err)
	}
	if len(obj.Type) == 0 {
		obj.Type = []string{"h-entry"}
	}
	return obj, nil
}

// EntryFromForm normalizes a url-encoded or multipart form body into an
// mf2 object. The `h` field selects the type (default h-entry), keys
// ending in `[]` follow the form convention for multi-valued properties,
// and transport fields like auth_token are dropped.
func EntryFromForm(form url.Values) (*Object, error) {
	obj := &Object{Type: []string{"h-entry"}}
	for _, key := range formKeysInOrder(form) {
		vals := form[key]
		switch {
		case key == "mp-slug":
			// The one mp- command the store honors: a requested slug.
			if len(vals) > 0 && vals[0] != "" {
				obj.Properties.Set("mp-slug", String(vals[0]))
			}
		case ignoredFormKeys[key] || strings.HasPrefix(key, "mp-"):
			continue
		case key == "h":
			if len(vals) > 0 && vals[0] != "" {
				obj.Type = []string{"h-" + strings.TrimPrefix(vals[0], "h-")}
			}
		default:
			name := strings.TrimSuffix(key, "[]")
			values := make([]Value, 0, len(vals))
			for _, v := range vals {
				values = append(values, String(v))
			}
			obj.Properties.Add(name, values...)
		}
	}
	return obj, nil
}

// url.Values is a plain map, so iterate a stable order: properties sort
// alphabetically, which is deterministic even if not submission order.
func formKeysInOrder(form url.Values) []string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Update is a parsed Micropub update action body.
type Update struct {
	URL     string
	Replace map[string][]Value
	Add     map[string][]Value
	// Delete removes whole properties (names listed in DeleteProps) or
	// individual values (DeleteValues maps name to values to drop).
	DeleteProps  []string
	DeleteValues map[string][]Value
}

// UpdateFromJSON parses a JSON update body:
//
//	{"action": "update", "url": ..., "replace": {...}, "add": {...}, "delete": [...]|{...}}
func UpdateFromJSON(data []byte) (*Update, error) {
	var raw struct {
		URL     string             `json:"url"`
		Replace map[string][]Value `json:"replace"`
		Add     map[string][]Value `json:"add"`
		Delete  json.RawMessage    `json:"delete"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("mf2: parse update body: %w", err)
	}
	if raw.URL == "" {
		return nil, fmt.Errorf("mf2: update body missing 'url'")
	}
	u := &Update{URL: raw.URL, Replace: raw.Replace, Add: raw.Add}
	if len(raw.Delete) > 0 {
		var names []string
		if err := json.Unmarshal(raw.Delete, &names); err == nil {
			u.DeleteProps = names
		} else {
			var byValue map[string][]Value
			if err := json.Unmarshal(raw.Delete, &byValue); err != nil {
				return nil, fmt.Errorf("mf2: update 'delete' must be a list or object: %w", err)
			}
			u.DeleteValues = byValue
		}
	}
	return u, nil
}

// Apply merges the update into props: replace overrides same-named
// properties, add appends, delete removes names or individual values.
// Untouched properties are retained.
func (u *Update) Apply(props *PropertyMap) {
	for name, vals := range u.Replace {
		props.Set(name, vals...)
	}
	for name, vals := range u.Add {
		props.Add(name, vals...)
	}
	for _, name := range u.DeleteProps {
		props.Delete(name)
	}
	for name, drop := range u.DeleteValues {
		kept := make([]Value, 0)
		for _, v := range props.Get(name) {
			matched := false
			for _, d := range drop {
				if v.Kind() == d.Kind() && v.Scalar() == d.Scalar() {
					matched = true
					break
				}
			}
			if !matched {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			props.Delete(name)
		} else {
			props.Set(name, kept...)
		}
	}
}

// Content extracts the post body from an entry's content property.
// A value typed html comes back with html=true and is stored verbatim;
// anything else is plain text (markdown by convention) and must never be
// reinterpreted as trusted markup downstream.
func Content(props *PropertyMap) (body string, html bool, err error) {
	vals := props.Get("content")
	if len(vals) == 0 {
		return "", false, nil
	}
	if len(vals) > 1 {
		return "", false, fmt.Errorf("mf2: unexpectedly multiple values in content list")
	}
	v := vals[0]
	switch v.Kind() {
	case KindHTML:
		return v.Scalar(), true, nil
	case KindScalar:
		return v.Scalar(), false, nil
	}
	return "", false, fmt.Errorf("mf2: content value must be text or html")
}
