package gitpub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/eringen/gitpub/contentstore"
	"github.com/eringen/gitpub/hugo"
	"github.com/eringen/gitpub/tokens"
)

// apiError is an error destined for the wire as a Micropub JSON error
// body: {"error": Code, "error_description": Desc}.
type apiError struct {
	Status int
	Code   string
	Desc   string
	err    error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("gitpub: %s: %s: %v", e.Code, e.Desc, e.err)
	}
	return fmt.Sprintf("gitpub: %s: %s", e.Code, e.Desc)
}

func (e *apiError) Unwrap() error { return e.err }

func errInvalidRequest(desc string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Desc: desc}
}

func errUnauthorized(desc string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Desc: desc}
}

func errInsufficientScope(action string) *apiError {
	return &apiError{
		Status: http.StatusForbidden,
		Code:   "insufficient_scope",
		Desc:   fmt.Sprintf("access token not valid for action %q", action),
	}
}

func errNotFound(desc string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: "not_found", Desc: desc}
}

// translate maps domain errors onto their wire representation. Errors
// that already are apiErrors pass through; anything unrecognized stays
// as-is and surfaces as a 500.
func translate(err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, tokens.ErrInvalidToken), errors.Is(err, tokens.ErrTokenRevoked):
		return &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Desc: "invalid bearer token", err: err}
	case errors.Is(err, tokens.ErrInvalidCode),
		errors.Is(err, tokens.ErrInvalidGrant),
		errors.Is(err, tokens.ErrVerifierMismatch):
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_grant", Desc: "authorization code cannot be redeemed", err: err}
	case errors.Is(err, hugo.ErrBadPostURI):
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Desc: "url does not name a post on this site", err: err}
	case errors.Is(err, hugo.ErrDuplicatePost):
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Desc: "a post already exists at that location", err: err}
	case errors.Is(err, hugo.ErrNoSuchPost), errors.Is(err, contentstore.ErrNotFound):
		return &apiError{Status: http.StatusNotFound, Code: "not_found", Desc: "no post at that URL", err: err}
	case errors.Is(err, contentstore.ErrConflict):
		return &apiError{Status: http.StatusConflict, Code: "conflict", Desc: "the content store rejected the commit, retry the request", err: err}
	case errors.Is(err, contentstore.ErrUnavailable):
		return &apiError{Status: http.StatusServiceUnavailable, Code: "unavailable", Desc: "the content store is unreachable", err: err}
	}
	return err
}
