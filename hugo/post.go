// Package hugo models the layout of a Hugo site well enough to write
// Micropub posts into it: page bundles under content/<section>/<slug>/,
// frontmatter in YAML (or TOML, read-only), and media under static/.
//
// The package drives a contentstore.Backend; it never touches the local
// filesystem and never caches post content between requests.
package hugo

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/eringen/gitpub/mf2"
)

// Format is the authoring format of a post body, which decides the index
// file extension and whether the body is markup.
type Format int

const (
	// FormatMarkdown stores the body as literal text in index.md.
	FormatMarkdown Format = iota
	// FormatHTML stores the body verbatim in index.html.
	FormatHTML
)

// Ext returns the index file extension for the format.
func (f Format) Ext() string {
	if f == FormatHTML {
		return "html"
	}
	return "md"
}

// Frontmatter is an ordered key/value mapping serialized as the post's
// YAML frontmatter. Order is preserved so re-serializing a post does not
// shuffle its header.
type Frontmatter struct {
	keys   []string
	values map[string]any
}

// Set stores a value, appending the key on first use.
func (f *Frontmatter) Set(key string, value any) {
	if f.values == nil {
		f.values = make(map[string]any)
	}
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Get returns the value for key, or nil.
func (f *Frontmatter) Get(key string) any { return f.values[key] }

// Has reports whether key is present.
func (f *Frontmatter) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

// Delete removes key.
func (f *Frontmatter) Delete(key string) {
	if _, ok := f.values[key]; !ok {
		return
	}
	delete(f.values, key)
	for i, k := range f.keys {
		if k == key {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (f *Frontmatter) Keys() []string { return append([]string(nil), f.keys...) }

// MarshalYAML emits the mapping in insertion order.
func (f *Frontmatter) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range f.keys {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(k); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(f.values[k]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// UnmarshalYAML reads a mapping, keeping document order.
func (f *Frontmatter) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("hugo: frontmatter must be a mapping, got %v", node.Kind)
	}
	*f = Frontmatter{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return err
		}
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return err
		}
		f.Set(key, value)
	}
	return nil
}

// PostSource is the parsed source of one post: frontmatter plus body.
type PostSource struct {
	FM     Frontmatter
	Body   string
	Format Format
}

const (
	yamlDelim = "---"
	tomlDelim = "+++"
)

// ParsePost parses raw index-file content. YAML (---) and TOML (+++)
// frontmatter are both accepted since existing posts may have been
// authored either way; a file without frontmatter is all body. The format
// comes from the file extension of path.
func ParsePost(path string, raw []byte) (*PostSource, error) {
	post := &PostSource{Format: formatForPath(path)}
	text := strings.TrimLeft(string(raw), "\n")

	var delim string
	switch {
	case strings.HasPrefix(text, yamlDelim+"\n"):
		delim = yamlDelim
	case strings.HasPrefix(text, tomlDelim+"\n"):
		delim = tomlDelim
	default:
		post.Body = strings.TrimSpace(text)
		return post, nil
	}

	rest := text[len(delim)+1:]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return nil, fmt.Errorf("hugo: unterminated %s frontmatter", delim)
	}
	header := rest[:end]
	body := rest[end+len(delim)+1:]

	if delim == yamlDelim {
		if err := yaml.Unmarshal([]byte(header), &post.FM); err != nil {
			return nil, fmt.Errorf("hugo: parse yaml frontmatter: %w", err)
		}
	} else {
		var m map[string]any
		if err := toml.Unmarshal([]byte(header), &m); err != nil {
			return nil, fmt.Errorf("hugo: parse toml frontmatter: %w", err)
		}
		// TOML decodes into an unordered map; sort for determinism.
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			post.FM.Set(k, m[k])
		}
	}
	post.Body = strings.TrimSpace(body)
	return post, nil
}

func formatForPath(path string) Format {
	if strings.HasSuffix(path, ".html") {
		return FormatHTML
	}
	return FormatMarkdown
}

// Serialize renders the post as an index file with YAML frontmatter.
// New and updated posts are always written in YAML, whatever format they
// were originally authored in.
func (p *PostSource) Serialize() ([]byte, error) {
	header, err := yaml.Marshal(&p.FM)
	if err != nil {
		return nil, fmt.Errorf("hugo: serialize frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString(yamlDelim + "\n")
	b.Write(header)
	b.WriteString(yamlDelim + "\n\n")
	b.WriteString(p.Body)
	b.WriteString("\n")
	return []byte(b.String()), nil
}

// MF2 returns the post in microformats2-parsing JSON shape, mapping the
// Hugo frontmatter conventions back onto mf2 property names.
func (p *PostSource) MF2() *mf2.Object {
	obj := &mf2.Object{Type: []string{"h-entry"}}
	props := &obj.Properties

	if extra, ok := p.FM.Get("extra").(map[string]any); ok {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			props.Set(strings.ReplaceAll(k, "_", "-"), fmValues(extra[k])...)
		}
	}
	for _, key := range p.FM.Keys() {
		val := p.FM.Get(key)
		switch key {
		case "extra":
		case "title":
			props.Set("name", fmValues(val)...)
		case "description":
			props.Set("summary", fmValues(val)...)
		case "date":
			props.Set("published", fmValues(val)...)
		case "tags":
			props.Set("category", fmValues(val)...)
		default:
			props.Set(key, fmValues(val)...)
		}
	}
	if body := strings.TrimSpace(p.Body); body != "" {
		if p.Format == FormatHTML {
			props.Set("content", mf2.HTML(body))
		} else {
			props.Set("content", mf2.String(body))
		}
	}
	return obj
}

// PostFromMF2 builds a post from a normalized mf2 entry, splitting the
// transport-level properties (content, name, slug, photo/video/audio)
// from the rest, which lands in frontmatter. It returns the post, the
// client-requested slug ("" if none), and the media URIs the entry
// references.
func PostFromMF2(entry *mf2.Object, now time.Time) (*PostSource, string, []string, error) {
	body, isHTML, err := mf2.Content(&entry.Properties)
	if err != nil {
		return nil, "", nil, err
	}
	post := &PostSource{Body: body}
	if isHTML {
		post.Format = FormatHTML
	}

	slug := ""
	var media []string
	for _, key := range entry.Properties.Keys() {
		vals := entry.Properties.Get(key)
		if len(vals) == 0 {
			continue
		}
		switch key {
		case "content":
		case "slug", "mp-slug":
			slug = vals[0].Scalar()
		case "name":
			post.FM.Set("title", vals[0].Scalar())
		case "summary":
			post.FM.Set("description", vals[0].Scalar())
		case "published":
			post.FM.Set("date", vals[0].Scalar())
		case "category":
			post.FM.Set("tags", fmFromValues(vals))
		case "photo", "video", "audio":
			for _, v := range vals {
				if v.Kind() == mf2.KindScalar {
					media = append(media, v.Scalar())
				}
			}
			post.FM.Set(key, fmFromValues(vals))
		default:
			post.FM.Set(key, fmFromValues(vals))
		}
	}
	if !post.FM.Has("date") {
		post.FM.Set("date", now.UTC().Format("2006-01-02"))
	}
	return post, slug, media, nil
}

// fmValues converts a frontmatter value (scalar, list, or nested map)
// into mf2 values.
func fmValues(v any) []mf2.Value {
	switch t := v.(type) {
	case []any:
		out := make([]mf2.Value, 0, len(t))
		for _, item := range t {
			out = append(out, fmValues(item)...)
		}
		return out
	case map[string]any:
		return []mf2.Value{mf2.Nested(objectFromMap(t))}
	case time.Time:
		// yaml.v3 resolves bare dates like 2021-01-27 to time.Time.
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return []mf2.Value{mf2.String(t.Format("2006-01-02"))}
		}
		return []mf2.Value{mf2.String(t.Format("2006-01-02T15:04:05Z07:00"))}
	case nil:
		return nil
	default:
		return []mf2.Value{mf2.String(fmt.Sprintf("%v", t))}
	}
}

func objectFromMap(m map[string]any) *mf2.Object {
	obj := &mf2.Object{}
	if types, ok := m["type"].([]any); ok {
		for _, t := range types {
			obj.Type = append(obj.Type, fmt.Sprintf("%v", t))
		}
	}
	props, _ := m["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		obj.Properties.Set(k, fmValues(props[k])...)
	}
	return obj
}

// fmFromValues converts mf2 values into a frontmatter value: a single
// scalar stays scalar, multiples become a list, nested objects become
// maps so that they round-trip through YAML.
func fmFromValues(vals []mf2.Value) any {
	if len(vals) == 1 && vals[0].Kind() != mf2.KindNested {
		return vals[0].Scalar()
	}
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		if v.Kind() == mf2.KindNested {
			out = append(out, mapFromObject(v.Object()))
		} else {
			out = append(out, v.Scalar())
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func mapFromObject(obj *mf2.Object) map[string]any {
	props := make(map[string]any, obj.Properties.Len())
	for _, k := range obj.Properties.Keys() {
		props[k] = fmFromValues(obj.Properties.Get(k))
	}
	m := map[string]any{"properties": props}
	if len(obj.Type) > 0 {
		types := make([]any, len(obj.Type))
		for i, t := range obj.Type {
			types[i] = t
		}
		m["type"] = types
	}
	return m
}
