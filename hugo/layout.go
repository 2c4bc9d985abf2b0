package hugo

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eringen/gitpub/mf2"
)

// SectionMap routes post classifications to site sections (content
// subdirectories). The "default" key is required; other keys are
// optional and fall back to default.
type SectionMap map[string]string

// Validate checks that the required default mapping is present.
func (m SectionMap) Validate() error {
	if m["default"] == "" {
		return fmt.Errorf("hugo: section map has no 'default' value")
	}
	return nil
}

// Section returns the section for a classification key, falling back to
// the default section for unknown keys.
func (m SectionMap) Section(key string) string {
	if s, ok := m[key]; ok {
		return s
	}
	return m["default"]
}

// Classify inspects entry properties in fixed priority order and returns
// the section-map key for the post. New classifiers are appended here;
// posts already committed under earlier classifications keep their paths
// because classification only ever runs at create time.
func Classify(props *mf2.PropertyMap) string {
	if props.Has("bookmark-of") {
		return "bookmark"
	}
	return "default"
}

// indexExtensions lists the supported content-file extensions in probe
// order: markdown formats are preferred over html.
var indexExtensions = []string{"md", "markdown", "html"}

// BundlePath returns the page-bundle directory for a post, e.g.
// content/blog/my-post.
func BundlePath(section, slug string) string {
	return path.Join("content", section, slug)
}

// CandidateIndexPaths enumerates every supported index file under a
// bundle, ordered by preference. Used with Backend.ProbeAny when the
// authoring format of an existing post is unknown.
func CandidateIndexPaths(bundle string) []string {
	out := make([]string, 0, len(indexExtensions))
	for _, ext := range indexExtensions {
		out = append(out, path.Join(bundle, "index."+ext))
	}
	return out
}

// IndexPath returns the index file path for a new post in the given
// format.
func IndexPath(bundle string, f Format) string {
	return path.Join(bundle, "index."+f.Ext())
}

// Slugify converts a title to a URL-safe slug: lower-cased, runs of
// non-alphanumerics collapsed to single dashes.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// FallbackSlug builds a slug for a post with no usable title: a
// second-granularity timestamp plus a short random suffix to break ties
// between posts created in the same second.
func FallbackSlug(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// SlugFor picks the slug for a new entry: the client-requested slug when
// present, otherwise derived from the title, otherwise the timestamp
// fallback.
func SlugFor(requested, title string, now time.Time) string {
	if s := Slugify(requested); s != "" {
		return s
	}
	if s := Slugify(title); s != "" {
		return s
	}
	return FallbackSlug(now)
}
