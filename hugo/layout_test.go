package hugo

import (
	"strings"
	"testing"
	"time"

	"github.com/eringen/gitpub/mf2"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Hello World":                  "hello-world",
		"  Trim me  ":                  "trim-me",
		"Already-slugged":              "already-slugged",
		"What?! Punctuation, so much.": "what-punctuation-so-much",
		"":                             "",
		"---":                          "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFallbackSlug(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	a := FallbackSlug(now)
	b := FallbackSlug(now)
	if !strings.HasPrefix(a, "20240506-070809-") {
		t.Errorf("FallbackSlug = %q, want timestamp prefix", a)
	}
	if a == b {
		t.Errorf("two fallback slugs in the same second collided: %q", a)
	}
}

func TestSlugFor(t *testing.T) {
	now := time.Now()
	if got := SlugFor("My Slug", "Title", now); got != "my-slug" {
		t.Errorf("requested slug not honored: %q", got)
	}
	if got := SlugFor("", "A Fine Title", now); got != "a-fine-title" {
		t.Errorf("title slug = %q", got)
	}
	if got := SlugFor("", "", now); got == "" {
		t.Error("empty slug for untitled post")
	}
}

func TestSectionMap(t *testing.T) {
	m := SectionMap{"default": "blog", "bookmark": "bookmarks"}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got := m.Section("bookmark"); got != "bookmarks" {
		t.Errorf("Section(bookmark) = %q", got)
	}
	if got := m.Section("unknown-future-classifier"); got != "blog" {
		t.Errorf("unknown key should fall back to default, got %q", got)
	}
	if err := (SectionMap{"bookmark": "bookmarks"}).Validate(); err == nil {
		t.Error("Validate should reject a map without default")
	}
}

func TestClassify(t *testing.T) {
	var bookmark mf2.PropertyMap
	bookmark.Set("bookmark-of", mf2.String("https://x/"))
	if got := Classify(&bookmark); got != "bookmark" {
		t.Errorf("Classify = %q, want bookmark", got)
	}

	var plain mf2.PropertyMap
	plain.Set("name", mf2.String("hi"))
	if got := Classify(&plain); got != "default" {
		t.Errorf("Classify = %q, want default", got)
	}
}

func TestCandidateIndexPaths(t *testing.T) {
	got := CandidateIndexPaths("content/blog/foo")
	want := []string{
		"content/blog/foo/index.md",
		"content/blog/foo/index.markdown",
		"content/blog/foo/index.html",
	}
	if len(got) != len(want) {
		t.Fatalf("paths = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBundlePath(t *testing.T) {
	if got := BundlePath("bookmarks", "a-link"); got != "content/bookmarks/a-link" {
		t.Errorf("BundlePath = %q", got)
	}
	if got := IndexPath("content/blog/x", FormatHTML); got != "content/blog/x/index.html" {
		t.Errorf("IndexPath = %q", got)
	}
}
