package contentstore

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAPIBase   = "https://api.github.com"
	requestTimeout   = 15 * time.Second
	retryBackoff     = 500 * time.Millisecond
	appJWTLifetime   = 9 * time.Minute
	tokenExpirySkew  = 30 * time.Second
	acceptRawContent = "application/vnd.github.raw+json"
	acceptJSON       = "application/vnd.github+json"
)

// GitHubConfig configures a GitHub backend. The credential is a GitHub App
// installation: AppID and PrivateKeyPEM identify the app, InstallationID
// the installation on the repository's owner.
type GitHubConfig struct {
	Owner          string
	Repo           string
	Branch         string // default branch used if empty: "main"
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  []byte

	// APIBase overrides the GitHub API root, for tests.
	APIBase string
	// HTTPClient overrides the HTTP client, for tests.
	HTTPClient *http.Client
}

// GitHub is a Backend stored in a GitHub repository. Commits are made
// through the git data API so that multi-file changes land as a single
// revision, with the branch ref update serving as the optimistic
// concurrency check.
type GitHub struct {
	owner   string
	repo    string
	branch  string
	appID   int64
	instID  int64
	key     *rsa.PrivateKey
	apiBase string
	client  *http.Client

	mu          sync.Mutex
	instToken   string
	instExpires time.Time
}

// NewGitHub creates a GitHub backend from cfg, parsing the app private key.
func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("contentstore: parse github app private key: %w", err)
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &GitHub{
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		branch:  branch,
		appID:   cfg.AppID,
		instID:  cfg.InstallationID,
		key:     key,
		apiBase: apiBase,
		client:  client,
	}, nil
}

// AppJWT signs a short-lived RS256 JWT identifying the GitHub App itself.
// It is exchanged for an installation token before any repository call.
func (g *GitHub) AppJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer: fmt.Sprintf("%d", g.appID),
		// Backdate iat to absorb clock drift between us and GitHub.
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("contentstore: sign app jwt: %w", err)
	}
	return signed, nil
}

func (g *GitHub) installationToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.instToken != "" && time.Now().Before(g.instExpires.Add(-tokenExpirySkew)) {
		return g.instToken, nil
	}
	appJWT, err := g.AppJWT(time.Now())
	if err != nil {
		return "", err
	}
	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", g.instID)
	if err := g.do(ctx, http.MethodPost, path, "Bearer "+appJWT, acceptJSON, nil, &result); err != nil {
		return "", err
	}
	g.instToken = result.Token
	g.instExpires = result.ExpiresAt
	return g.instToken, nil
}

// do performs one API request with a single retry-with-backoff on
// transient failures. Non-2xx statuses map onto the package errors.
func (g *GitHub) do(ctx context.Context, method, path, auth, accept string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("contentstore: encode request: %w", err)
		}
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}
		lastErr = g.doOnce(ctx, method, path, auth, accept, payload, out)
		if lastErr == nil || !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
	}
	return lastErr
}

func (g *GitHub) doOnce(ctx context.Context, method, path, auth, accept string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("contentstore: build request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		// A non-fast-forward ref update means the branch head moved.
		return ErrConflict
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: github returned %d", ErrUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("contentstore: github returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if rawOut, ok := out.(*[]byte); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		*rawOut = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("contentstore: decode github response: %w", err)
	}
	return nil
}

func (g *GitHub) authed(ctx context.Context, method, path, accept string, body, out any) error {
	token, err := g.installationToken(ctx)
	if err != nil {
		return err
	}
	return g.do(ctx, method, path, "Bearer "+token, accept, body, out)
}

func (g *GitHub) repoPath(parts ...string) string {
	return "/repos/" + g.owner + "/" + g.repo + "/" + strings.Join(parts, "/")
}

// Read implements Backend via the contents API with the raw media type.
func (g *GitHub) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	escaped := (&url.URL{Path: path}).EscapedPath()
	apiPath := g.repoPath("contents", escaped) + "?ref=" + url.QueryEscape(g.branch)
	if err := g.authed(ctx, http.MethodGet, apiPath, acceptRawContent, nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// ProbeAny implements Backend.
func (g *GitHub) ProbeAny(ctx context.Context, candidates []string) (string, error) {
	for _, p := range candidates {
		if _, err := g.Read(ctx, p); err == nil {
			return p, nil
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

// Head implements Backend, returning the branch head commit SHA.
func (g *GitHub) Head(ctx context.Context) (string, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.authed(ctx, http.MethodGet, g.repoPath("git", "ref", "heads", g.branch), acceptJSON, nil, &ref); err != nil {
		return "", err
	}
	return ref.Object.SHA, nil
}

type treeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

// Commit implements Backend through the git data API: blobs, a tree based
// on the base commit's tree, a commit with base as sole parent, and a
// non-forced ref update. GitHub rejects the ref update if the branch no
// longer points at base, which surfaces as ErrConflict.
func (g *GitHub) Commit(ctx context.Context, base string, changes []Change, message string) error {
	var baseCommit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := g.authed(ctx, http.MethodGet, g.repoPath("git", "commits", base), acceptJSON, nil, &baseCommit); err != nil {
		return err
	}

	entries := make([]treeEntry, 0, len(changes))
	for _, ch := range changes {
		entry := treeEntry{Path: ch.Path, Mode: "100644", Type: "blob"}
		if !ch.Delete {
			var blob struct {
				SHA string `json:"sha"`
			}
			blobReq := map[string]string{
				"content":  base64.StdEncoding.EncodeToString(ch.Data),
				"encoding": "base64",
			}
			if err := g.authed(ctx, http.MethodPost, g.repoPath("git", "blobs"), acceptJSON, blobReq, &blob); err != nil {
				return err
			}
			sha := blob.SHA
			entry.SHA = &sha
		}
		// A nil SHA in a tree entry deletes the path.
		entries = append(entries, entry)
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treeReq := map[string]any{"base_tree": baseCommit.Tree.SHA, "tree": entries}
	if err := g.authed(ctx, http.MethodPost, g.repoPath("git", "trees"), acceptJSON, treeReq, &tree); err != nil {
		return err
	}

	var commit struct {
		SHA string `json:"sha"`
	}
	commitReq := map[string]any{"message": message, "tree": tree.SHA, "parents": []string{base}}
	if err := g.authed(ctx, http.MethodPost, g.repoPath("git", "commits"), acceptJSON, commitReq, &commit); err != nil {
		return err
	}

	refReq := map[string]any{"sha": commit.SHA, "force": false}
	return g.authed(ctx, http.MethodPatch, g.repoPath("git", "refs", "heads", g.branch), acceptJSON, refReq, nil)
}
