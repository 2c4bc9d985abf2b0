package contentstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemBytes, key
}

func newTestGitHub(t *testing.T, apiBase string) *GitHub {
	t.Helper()
	pemBytes, _ := testKeyPEM(t)
	g, err := NewGitHub(GitHubConfig{
		Owner:          "example",
		Repo:           "blog",
		Branch:         "main",
		AppID:          4242,
		InstallationID: 99,
		PrivateKeyPEM:  pemBytes,
		APIBase:        apiBase,
	})
	if err != nil {
		t.Fatalf("NewGitHub failed: %v", err)
	}
	return g
}

func TestAppJWTClaims(t *testing.T) {
	pemBytes, key := testKeyPEM(t)
	g, err := NewGitHub(GitHubConfig{Owner: "o", Repo: "r", AppID: 4242, InstallationID: 1, PrivateKeyPEM: pemBytes})
	if err != nil {
		t.Fatalf("NewGitHub failed: %v", err)
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	signed, err := g.AppJWT(now)
	if err != nil {
		t.Fatalf("AppJWT failed: %v", err)
	}

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("parse signed jwt: %v", err)
	}
	if claims.Issuer != "4242" {
		t.Errorf("iss = %q, want %q", claims.Issuer, "4242")
	}
	if !claims.IssuedAt.Time.Before(now) {
		t.Errorf("iat %v should be backdated before %v", claims.IssuedAt.Time, now)
	}
	if got := claims.ExpiresAt.Time.Sub(now); got != appJWTLifetime {
		t.Errorf("exp-now = %v, want %v", got, appJWTLifetime)
	}
}

// fakeGitHub serves just enough of the API for Read/Head/Commit.
type fakeGitHub struct {
	mux      *http.ServeMux
	headSHA  string
	seenRefs []map[string]any
}

func newFakeGitHub(t *testing.T, conflictOnRefUpdate bool) *fakeGitHub {
	f := &fakeGitHub{mux: http.NewServeMux(), headSHA: "base-sha"}
	f.mux.HandleFunc("POST /app/installations/99/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "inst-token",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	f.mux.HandleFunc("GET /repos/example/blog/contents/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/example/blog/contents/content/blog/hi/index.md" {
			w.Write([]byte("---\ntitle: Hi\n---\n\nbody\n"))
			return
		}
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	f.mux.HandleFunc("GET /repos/example/blog/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"object": map[string]string{"sha": f.headSHA}})
	})
	f.mux.HandleFunc("GET /repos/example/blog/git/commits/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tree": map[string]string{"sha": "tree-sha"}})
	})
	f.mux.HandleFunc("POST /repos/example/blog/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sha": "blob-sha"})
	})
	f.mux.HandleFunc("POST /repos/example/blog/git/trees", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sha": "newtree-sha"})
	})
	f.mux.HandleFunc("POST /repos/example/blog/git/commits", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sha": "newcommit-sha"})
	})
	f.mux.HandleFunc("PATCH /repos/example/blog/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.seenRefs = append(f.seenRefs, body)
		if conflictOnRefUpdate {
			http.Error(w, `{"message":"Update is not a fast forward"}`, http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"ref": "refs/heads/main"})
	})
	return f
}

func TestGitHubReadAndHead(t *testing.T) {
	srv := httptest.NewServer(newFakeGitHub(t, false).mux)
	defer srv.Close()
	g := newTestGitHub(t, srv.URL)
	ctx := context.Background()

	data, err := g.Read(ctx, "content/blog/hi/index.md")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("Read returned empty body")
	}

	if _, err := g.Read(ctx, "content/blog/nope/index.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing = %v, want ErrNotFound", err)
	}

	path, err := g.ProbeAny(ctx, []string{
		"content/blog/hi/index.markdown",
		"content/blog/hi/index.md",
	})
	if err != nil {
		t.Fatalf("ProbeAny failed: %v", err)
	}
	if path != "content/blog/hi/index.md" {
		t.Errorf("ProbeAny = %q", path)
	}

	head, err := g.Head(ctx)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != "base-sha" {
		t.Errorf("Head = %q, want base-sha", head)
	}
}

func TestGitHubCommit(t *testing.T) {
	fake := newFakeGitHub(t, false)
	srv := httptest.NewServer(fake.mux)
	defer srv.Close()
	g := newTestGitHub(t, srv.URL)

	changes := []Change{
		{Path: "content/blog/hi/index.md", Data: []byte("hello")},
		{Path: "content/blog/old/index.md", Delete: true},
	}
	if err := g.Commit(context.Background(), "base-sha", changes, "create hi"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(fake.seenRefs) != 1 {
		t.Fatalf("ref updates = %d, want 1", len(fake.seenRefs))
	}
	if force, _ := fake.seenRefs[0]["force"].(bool); force {
		t.Error("ref update used force=true; the update must be fast-forward only")
	}
	if fake.seenRefs[0]["sha"] != "newcommit-sha" {
		t.Errorf("ref sha = %v", fake.seenRefs[0]["sha"])
	}
}

func TestGitHubCommitConflict(t *testing.T) {
	srv := httptest.NewServer(newFakeGitHub(t, true).mux)
	defer srv.Close()
	g := newTestGitHub(t, srv.URL)

	err := g.Commit(context.Background(), "stale-sha", []Change{{Path: "a", Data: []byte("b")}}, "msg")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Commit = %v, want ErrConflict", err)
	}
}
