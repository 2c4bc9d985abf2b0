package hugo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/eringen/gitpub/contentstore"
	"github.com/eringen/gitpub/mf2"
)

// maxCommitAttempts bounds the optimistic-concurrency retry loop. Each
// attempt re-resolves from a fresh head, so a conflicting writer's change
// is never clobbered.
const maxCommitAttempts = 3

// ErrDuplicatePost is returned when a create resolves to a bundle that
// already has an index file under any supported extension.
var ErrDuplicatePost = errors.New("hugo: a post already exists at that location")

// ErrNoSuchPost is returned when an update or delete target does not
// resolve to an existing post.
var ErrNoSuchPost = errors.New("hugo: no such post")

// ErrBadPostURI is returned when a post URL does not map to a bundle
// under the site's content directory.
var ErrBadPostURI = errors.New("hugo: url does not name a post on this site")

// Site is one configured blog: a base URI, a section map, and the content
// store holding its source tree. Sites are immutable after construction
// and safe for concurrent use; all state lives in the backend.
type Site struct {
	Name        string
	BaseURI     string
	Sections    SectionMap
	MediaPrefix string
	Store       contentstore.Backend
}

// NewSite validates the configuration and normalizes the base URI to a
// trailing slash.
func NewSite(name, baseURI string, sections SectionMap, mediaPrefix string, store contentstore.Backend) (*Site, error) {
	if name == "" {
		return nil, fmt.Errorf("hugo: site has no name")
	}
	if baseURI == "" {
		return nil, fmt.Errorf("hugo: site %q has no base URI", name)
	}
	if err := sections.Validate(); err != nil {
		return nil, fmt.Errorf("hugo: site %q: %w", name, err)
	}
	if !strings.HasSuffix(baseURI, "/") {
		baseURI += "/"
	}
	if mediaPrefix == "" {
		mediaPrefix = "media"
	}
	return &Site{
		Name:        name,
		BaseURI:     baseURI,
		Sections:    sections,
		MediaPrefix: strings.Trim(mediaPrefix, "/"),
		Store:       store,
	}, nil
}

// PostURI returns the canonical URI for a post bundle.
func (s *Site) PostURI(section, slug string) string {
	return s.BaseURI + section + "/" + slug + "/"
}

// bundleForURI maps a canonical post URI back to its page-bundle path
// inside the repository.
func (s *Site) bundleForURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, s.BaseURI) {
		return "", fmt.Errorf("%w: %q is not under site %q", ErrBadPostURI, uri, s.Name)
	}
	rel := path.Clean(strings.Trim(strings.TrimPrefix(uri, s.BaseURI), "/"))
	// Clean leaves any escaping ".." segments at the front; a path that
	// climbs out of content/ is never a post.
	if rel == "" || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadPostURI, uri)
	}
	return "content/" + rel, nil
}

// GetPost resolves a canonical post URI to its index file (probing every
// supported extension) and parses it.
func (s *Site) GetPost(ctx context.Context, uri string) (*PostSource, string, error) {
	bundle, err := s.bundleForURI(uri)
	if err != nil {
		return nil, "", err
	}
	path, err := s.Store.ProbeAny(ctx, CandidateIndexPaths(bundle))
	if err != nil {
		if errors.Is(err, contentstore.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: %s", ErrNoSuchPost, uri)
		}
		return nil, "", err
	}
	raw, err := s.Store.Read(ctx, path)
	if err != nil {
		return nil, "", err
	}
	post, err := ParsePost(path, raw)
	if err != nil {
		return nil, "", err
	}
	return post, path, nil
}

// CreateEntry persists a new post built from a normalized mf2 entry,
// together with any mode-1 attachments, as one atomic commit. It returns
// the canonical URI of the new post.
func (s *Site) CreateEntry(ctx context.Context, entry *mf2.Object, attachments []*Blob, now time.Time) (string, error) {
	post, requested, _, err := PostFromMF2(entry, now)
	if err != nil {
		return "", err
	}
	title, _ := post.FM.Get("title").(string)
	slug := SlugFor(requested, title, now)
	section := s.Sections.Section(Classify(&entry.Properties))
	bundle := BundlePath(section, slug)

	uri := s.PostURI(section, slug)
	err = s.commitRetry(ctx, "gitpub: create "+uri, func(ctx context.Context) ([]contentstore.Change, error) {
		// A post may only be created once; updating goes through
		// UpdateEntry. Probe inside the retry loop so a concurrent
		// creator is seen on the second attempt.
		if _, err := s.Store.ProbeAny(ctx, CandidateIndexPaths(bundle)); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePost, uri)
		} else if !errors.Is(err, contentstore.ErrNotFound) {
			return nil, err
		}
		data, err := post.Serialize()
		if err != nil {
			return nil, err
		}
		changes := []contentstore.Change{{Path: IndexPath(bundle, post.Format), Data: data}}
		blobChanges, err := s.blobChanges(ctx, attachments)
		if err != nil {
			return nil, err
		}
		return append(changes, blobChanges...), nil
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// UpdateEntry re-reads the target post, merges the update into its
// properties, and replaces the index file wholesale in a fresh commit.
// The retry loop re-reads on conflict, so a concurrent writer's committed
// change is merged into the next attempt rather than lost.
func (s *Site) UpdateEntry(ctx context.Context, u *mf2.Update) (string, error) {
	err := s.commitRetry(ctx, "gitpub: update "+u.URL, func(ctx context.Context) ([]contentstore.Change, error) {
		existing, oldPath, err := s.GetPost(ctx, u.URL)
		if err != nil {
			return nil, err
		}
		obj := existing.MF2()
		u.Apply(&obj.Properties)

		merged, _, _, err := PostFromMF2(obj, time.Now())
		if err != nil {
			return nil, err
		}
		data, err := merged.Serialize()
		if err != nil {
			return nil, err
		}
		bundle, err := s.bundleForURI(u.URL)
		if err != nil {
			return nil, err
		}
		newPath := IndexPath(bundle, merged.Format)
		changes := []contentstore.Change{{Path: newPath, Data: data}}
		if newPath != oldPath {
			// Content type changed, e.g. markdown body replaced by html.
			changes = append(changes, contentstore.Change{Path: oldPath, Delete: true})
		}
		return changes, nil
	})
	if err != nil {
		return "", err
	}
	return u.URL, nil
}

// DeleteEntry removes the post's index file with a delete-marker commit.
// Media blobs the post referenced are retained; they may be shared.
func (s *Site) DeleteEntry(ctx context.Context, uri string) error {
	return s.commitRetry(ctx, "gitpub: delete "+uri, func(ctx context.Context) ([]contentstore.Change, error) {
		bundle, err := s.bundleForURI(uri)
		if err != nil {
			return nil, err
		}
		path, err := s.Store.ProbeAny(ctx, CandidateIndexPaths(bundle))
		if err != nil {
			if errors.Is(err, contentstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNoSuchPost, uri)
			}
			return nil, err
		}
		return []contentstore.Change{{Path: path, Delete: true}}, nil
	})
}

// commitRetry runs the read-build-commit cycle with bounded retries on
// optimistic-concurrency conflicts. build is called once per attempt and
// must re-derive its changes from fresh reads.
func (s *Site) commitRetry(ctx context.Context, message string, build func(context.Context) ([]contentstore.Change, error)) error {
	var err error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		var head string
		head, err = s.Store.Head(ctx)
		if err != nil {
			return err
		}
		var changes []contentstore.Change
		changes, err = build(ctx)
		if err != nil {
			return err
		}
		err = s.Store.Commit(ctx, head, changes, message)
		if !errors.Is(err, contentstore.ErrConflict) {
			return err
		}
	}
	return err
}
