// Package contentstore abstracts the git-hosted file tree that backs a blog.
//
// A Backend exposes four operations: read a file, probe an ordered list of
// candidate paths for the first that exists, report the current head
// revision, and apply a set of file changes as one atomic commit against a
// known head. The GitHub implementation talks to the GitHub API with an
// installable-app credential; the Memory implementation keeps the tree in
// process for tests.
package contentstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a path does not exist in the backing tree,
// or when none of the probed candidate paths exist.
var ErrNotFound = errors.New("contentstore: not found")

// ErrConflict is returned by Commit when the head moved between Head and
// Commit. Callers retry with a fresh Head/Read, bounded.
var ErrConflict = errors.New("contentstore: head moved since base revision")

// ErrUnavailable is returned when the backing store cannot be reached
// after the internal retry budget is exhausted.
var ErrUnavailable = errors.New("contentstore: store unavailable")

// Change is one file mutation within a commit. A nil Data with Delete set
// removes the file at Path.
type Change struct {
	Path   string
	Data   []byte
	Delete bool
}

// Backend is a remote file tree with atomic multi-file commits.
//
// Every read goes to the backend; implementations must not cache file
// content across requests, since the tree may be mutated by agents outside
// this process.
type Backend interface {
	// Read fetches the current content of the file at path, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// ProbeAny returns the first of candidates that exists, in order, or
	// ErrNotFound if none do.
	ProbeAny(ctx context.Context, candidates []string) (string, error)

	// Head returns an opaque identifier for the current head revision,
	// used as the optimistic-concurrency base for Commit.
	Head(ctx context.Context) (string, error)

	// Commit applies changes as one atomic revision on top of base.
	// It returns ErrConflict if the head is no longer base.
	Commit(ctx context.Context, base string, changes []Change, message string) error
}
