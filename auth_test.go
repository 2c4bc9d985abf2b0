package gitpub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// browser is a minimal cookie-keeping client for session and CSRF flows.
type browser struct {
	app     *App
	cookies map[string]*http.Cookie
}

func newBrowser(a *App) *browser {
	return &browser{app: a, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.app.Echo.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
		} else {
			b.cookies[c.Name] = c
		}
	}
	return rec
}

func (b *browser) csrf(t *testing.T) string {
	t.Helper()
	c, ok := b.cookies["_csrf"]
	if !ok {
		t.Fatal("no _csrf cookie set")
	}
	return c.Value
}

func (b *browser) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) login(t *testing.T, password string) *httptest.ResponseRecorder {
	t.Helper()
	rec := b.do(httptest.NewRequest(http.MethodGet, "/indieauth/login", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("login page status = %d", rec.Code)
	}
	return b.postForm("/indieauth/login", url.Values{
		"password": {password},
		"_csrf":    {b.csrf(t)},
	})
}

func TestLoginGrantAndProfileRedemption(t *testing.T) {
	a, _ := setupApp(t)
	b := newBrowser(a)

	authorizeURL := "/indieauth/authorize?client_id=" + url.QueryEscape("https://client.example.net/") +
		"&redirect_uri=" + url.QueryEscape("https://client.example.net/cb") +
		"&state=xyzzy&scope=profile+create"

	// Unauthenticated consent requests bounce to the login page.
	rec := b.do(httptest.NewRequest(http.MethodGet, authorizeURL, nil))
	if rec.Code != http.StatusSeeOther || !strings.HasPrefix(rec.Header().Get("Location"), "/indieauth/login") {
		t.Fatalf("anonymous authorize: status %d location %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = b.login(t, "hunter2")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("login status = %d", rec.Code)
	}

	rec = b.do(httptest.NewRequest(http.MethodGet, authorizeURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("consent page status = %d (%s)", rec.Code, rec.Body.String())
	}

	rec = b.postForm("/indieauth/grant", url.Values{
		"_csrf":         {b.csrf(t)},
		"client_id":     {"https://client.example.net/"},
		"redirect_uri":  {"https://client.example.net/cb"},
		"state":         {"xyzzy"},
		"scope:profile": {"on"},
		"scope:create":  {"on"},
	})
	if rec.Code != http.StatusFound {
		t.Fatalf("grant status = %d (%s)", rec.Code, rec.Body.String())
	}
	dest, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad redirect: %v", err)
	}
	if dest.Host != "client.example.net" || dest.Query().Get("state") != "xyzzy" {
		t.Errorf("redirect = %q", dest.String())
	}
	code := dest.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}

	// The client can redeem the code for the owner's profile URL
	// without a session.
	anon := newBrowser(a)
	rec = anon.postForm("/indieauth/authorize", url.Values{
		"code":         {code},
		"client_id":    {"https://client.example.net/"},
		"redirect_uri": {"https://client.example.net/cb"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("redemption status = %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Me    string `json:"me"`
		Scope string `json:"scope"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad redemption JSON: %v", err)
	}
	if resp.Me != "https://me.example.org/" {
		t.Errorf("me = %q", resp.Me)
	}
	if !strings.Contains(resp.Scope, "create") {
		t.Errorf("scope = %q", resp.Scope)
	}
}

func TestAuthorizeValidatesClient(t *testing.T) {
	a, _ := setupApp(t)
	b := newBrowser(a)
	if rec := b.login(t, "hunter2"); rec.Code != http.StatusSeeOther {
		t.Fatalf("login status = %d", rec.Code)
	}

	cases := map[string]string{
		"missing state":   "/indieauth/authorize?client_id=https%3A%2F%2Fc.example%2F&redirect_uri=https%3A%2F%2Fc.example%2Fcb",
		"bad client uri":  "/indieauth/authorize?client_id=not-a-uri&redirect_uri=https%3A%2F%2Fc.example%2Fcb&state=s",
		"cross-host":      "/indieauth/authorize?client_id=https%3A%2F%2Fc.example%2F&redirect_uri=https%3A%2F%2Fevil.example%2Fcb&state=s",
		"wrong resp type": "/indieauth/authorize?client_id=https%3A%2F%2Fc.example%2F&redirect_uri=https%3A%2F%2Fc.example%2Fcb&state=s&response_type=token",
	}
	for name, target := range cases {
		rec := b.do(httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestLoginRateLimit(t *testing.T) {
	a, _ := setupApp(t)
	b := newBrowser(a)

	for i := 0; i < 5; i++ {
		rec := b.login(t, "wrong")
		if rec.Code != http.StatusOK {
			t.Fatalf("failed login %d status = %d", i, rec.Code)
		}
	}
	rec := b.login(t, "hunter2")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status after 5 failures = %d, want 429", rec.Code)
	}
}
