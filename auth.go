package gitpub

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/gitpub/tokens"
)

// loginPassword resolves the owner's login password: the config value
// wins, otherwise the stored app setting.
func (a *App) loginPassword(c echo.Context) (string, error) {
	if a.Config.LoginPassword != "" {
		return a.Config.LoginPassword, nil
	}
	pw, err := a.Tokens.Setting(c.Request().Context(), "password")
	if errors.Is(err, tokens.ErrNoSetting) {
		return "", fmt.Errorf("gitpub: no login password configured")
	}
	return pw, err
}

// ownerProfile resolves the owner's profile URL ("me"), config first.
func (a *App) ownerProfile(c echo.Context) string {
	if a.Config.OwnerProfile != "" {
		return a.Config.OwnerProfile
	}
	me, err := a.Tokens.Setting(c.Request().Context(), "owner_profile")
	if err != nil {
		return ""
	}
	return me
}

func (a *App) handleIndex(c echo.Context) error {
	blogs := make([]BlogView, 0, len(a.Config.Blogs))
	for _, b := range a.Config.Blogs {
		blogs = append(blogs, BlogView{Name: b.Name, URI: b.URI})
	}
	return Render(c, a.Views.Index(a.Config.Name, blogs, IsAuthed(c)))
}

func (a *App) handleLoginPage(c echo.Context) error {
	if IsAuthed(c) {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	return Render(c, a.Views.Login(false, c.QueryParam("next"), CsrfToken(c)))
}

func (a *App) handleLogin(c echo.Context) error {
	if !a.loginLimiter.Check(c.RealIP()) {
		return c.String(http.StatusTooManyRequests, "Too many login attempts. Try again later.")
	}
	want, err := a.loginPassword(c)
	if err != nil {
		return err
	}
	pass := c.FormValue("password")
	if subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1 {
		if err := setAuthedSession(c); err != nil {
			return err
		}
		return c.Redirect(http.StatusSeeOther, localTarget(c.FormValue("next")))
	}
	a.loginLimiter.Record(c.RealIP())
	return Render(c, a.Views.Login(true, c.FormValue("next"), CsrfToken(c)))
}

func (a *App) handleLogout(c echo.Context) error {
	if err := clearAuthedSession(c); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// localTarget clamps a post-login redirect to a local path so the login
// form cannot be used as an open redirect.
func localTarget(next string) string {
	if strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") {
		return next
	}
	return "/"
}

// validAbsURI parses s and requires an absolute http(s) URI with a host.
func validAbsURI(s string) (*url.URL, bool) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}

func (a *App) handleAuthorizePage(c echo.Context) error {
	if !IsAuthed(c) {
		return c.Redirect(http.StatusSeeOther,
			"/indieauth/login?next="+url.QueryEscape(c.Request().RequestURI))
	}

	clientID := c.QueryParam("client_id")
	redirectURI := c.QueryParam("redirect_uri")
	state := c.QueryParam("state")
	responseType := c.QueryParam("response_type")
	if responseType == "" {
		responseType = "code"
	}
	scope := c.QueryParam("scope")
	if scope == "" {
		scope = "profile"
	}

	if clientID == "" || redirectURI == "" || state == "" {
		return errInvalidRequest("missing at least one of client_id, redirect_uri, state")
	}
	if responseType != "code" {
		return errInvalidRequest("parameter response_type must be 'code'")
	}
	client, ok := validAbsURI(clientID)
	if !ok {
		return errInvalidRequest(fmt.Sprintf("client_id %q is not a valid URI", clientID))
	}
	redirect, ok := validAbsURI(redirectURI)
	if !ok {
		return errInvalidRequest(fmt.Sprintf("redirect_uri %q is not a valid URI", redirectURI))
	}
	if client.Scheme != redirect.Scheme || client.Host != redirect.Host {
		return errInvalidRequest("redirect_uri must be on the same host as client_id")
	}

	return Render(c, a.Views.Authorize(ConsentView{
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		State:           state,
		Challenge:       c.QueryParam("code_challenge"),
		ChallengeMethod: c.QueryParam("code_challenge_method"),
		Me:              c.QueryParam("me"),
		Scopes:          strings.Fields(scope),
		ScopeInfo:       tokens.ScopeInfo,
	}, CsrfToken(c)))
}

// handleGrant records the scopes the owner approved on the consent page
// and sends the client its authorization code.
func (a *App) handleGrant(c echo.Context) error {
	if !IsAuthed(c) {
		return errUnauthorized("login required")
	}
	if fetchSite := c.Request().Header.Get("Sec-Fetch-Site"); fetchSite != "" && fetchSite != "same-origin" {
		return errUnauthorized("request must be same origin")
	}

	clientID := c.FormValue("client_id")
	redirectURI := c.FormValue("redirect_uri")
	state := c.FormValue("state")
	if clientID == "" || redirectURI == "" || state == "" {
		return errInvalidRequest("must pass all of client_id, redirect_uri, state")
	}

	var scopes []string
	for name := range tokens.ScopeInfo {
		if c.FormValue("scope:"+name) == "on" {
			scopes = append(scopes, name)
		}
	}

	code, err := a.Tokens.IssueCode(c.Request().Context(), tokens.CodeRequest{
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		State:           state,
		Challenge:       c.FormValue("code_challenge"),
		ChallengeMethod: c.FormValue("code_challenge_method"),
		Scopes:          scopes,
		Host:            c.Request().Host,
	}, time.Now())
	if err != nil {
		return err
	}

	dest, ok := validAbsURI(redirectURI)
	if !ok {
		return errInvalidRequest(fmt.Sprintf("redirect_uri %q is not a valid URI", redirectURI))
	}
	q := dest.Query()
	q.Set("code", code)
	q.Set("state", state)
	dest.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, dest.String())
}

// handleAuthorizeRedeem is the client-facing POST on the authorization
// endpoint: a profile-only redemption that returns the owner's URL
// without issuing an access token.
func (a *App) handleAuthorizeRedeem(c echo.Context) error {
	code := c.FormValue("code")
	clientID := c.FormValue("client_id")
	redirectURI := c.FormValue("redirect_uri")
	if code == "" || clientID == "" || redirectURI == "" {
		return errInvalidRequest("must pass all of code, client_id, redirect_uri")
	}

	redeemed, err := a.Tokens.RedeemCode(c.Request().Context(), tokens.RedeemRequest{
		Code:        code,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Host:        c.Request().Host,
		Verifier:    c.FormValue("code_verifier"),
	}, time.Now())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"me":        a.ownerProfile(c),
		"client_id": redeemed.ClientID,
		"scope":     strings.Join(redeemed.Scopes, " "),
	})
}

// bearerFromHeader extracts the token from an Authorization header.
func bearerFromHeader(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", errUnauthorized("missing Authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if token == "" {
		return "", errUnauthorized("no token was provided")
	}
	return token, nil
}

// handleBearerVerify lets a resource server check a token it was given.
func (a *App) handleBearerVerify(c echo.Context) error {
	token, err := bearerFromHeader(c)
	if err != nil {
		return err
	}
	grant, err := a.Tokens.Validate(c.Request().Context(), token)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"me":        a.ownerProfile(c),
		"client_id": grant.ClientID,
		"scope":     strings.Join(grant.Scopes, " "),
	})
}

// handleBearerToken is the token endpoint: exchanges an authorization
// code for a bearer token, or revokes one.
func (a *App) handleBearerToken(c echo.Context) error {
	action := c.FormValue("action")
	switch action {
	case "revoke":
		token := c.FormValue("token")
		if token == "" {
			return errInvalidRequest("missing required form field 'token'")
		}
		// Revoking an unknown token reveals nothing to the caller.
		if err := a.Tokens.Revoke(c.Request().Context(), token, c.Request().Host); err != nil && !errors.Is(err, tokens.ErrInvalidToken) {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{})
	case "", "create":
	default:
		return errInvalidRequest(fmt.Sprintf("invalid action %q", action))
	}

	code := c.FormValue("code")
	clientID := c.FormValue("client_id")
	redirectURI := c.FormValue("redirect_uri")
	if code == "" || clientID == "" || redirectURI == "" {
		return errInvalidRequest("must pass all of code, client_id, redirect_uri")
	}

	grant, err := a.Tokens.Exchange(c.Request().Context(), tokens.RedeemRequest{
		Code:        code,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Host:        c.Request().Host,
		Verifier:    c.FormValue("code_verifier"),
	}, time.Now())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"me":           a.ownerProfile(c),
		"token_type":   "bearer",
		"access_token": grant.Token,
		"scope":        strings.Join(grant.Scopes, " "),
	})
}
