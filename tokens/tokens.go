// Package tokens is the IndieAuth token authority. It persists
// authorization codes and bearer tokens in SQLite and implements the
// code grant: single-use code redemption with PKCE verification, bearer
// token issue, validation and revocation. Bearer tokens never expire by
// time; revocation is the only way a token dies.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// CodeTTL is how long an authorization code stays redeemable.
const CodeTTL = 5 * time.Minute

// ScopeInfo maps every recognized scope to the description shown on the
// consent page.
var ScopeInfo = map[string]string{
	"profile":  "Get basic profile information",
	"email":    "Get profile email address",
	"create":   "Create new posts using Micropub",
	"update":   "Edit existing posts using Micropub",
	"delete":   "Delete posts using Micropub",
	"undelete": "Restore deleted posts using Micropub",
	"media":    "Upload files using Micropub",
}

var (
	// ErrInvalidCode means the authorization code does not exist.
	ErrInvalidCode = errors.New("tokens: unknown authorization code")
	// ErrInvalidGrant means the code exists but cannot be redeemed:
	// expired, already used, or presented with mismatched client
	// parameters.
	ErrInvalidGrant = errors.New("tokens: invalid grant")
	// ErrVerifierMismatch means the PKCE code_verifier does not match
	// the challenge recorded at grant time.
	ErrVerifierMismatch = errors.New("tokens: code verifier mismatch")
	// ErrInvalidToken means the bearer token does not exist.
	ErrInvalidToken = errors.New("tokens: unknown bearer token")
	// ErrTokenRevoked means the bearer token exists but has been
	// revoked.
	ErrTokenRevoked = errors.New("tokens: token revoked")
	// ErrNoSetting means the requested app setting has never been set.
	ErrNoSetting = errors.New("tokens: setting not found")
)

// Code is a stored authorization code.
type Code struct {
	Code            string
	IssuedAt        time.Time
	ClientID        string
	RedirectURI     string
	State           string
	Challenge       string
	ChallengeMethod string
	Scopes          []string
	Host            string
	Used            bool
}

// Grant is a stored bearer token.
type Grant struct {
	Token    string
	IssuedAt time.Time
	ClientID string
	Scopes   []string
	Host     string
	Revoked  bool
}

// HasScope reports whether the grant carries the named scope.
func (g *Grant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Store wraps a SQLite database holding authorization codes, bearer
// tokens and app settings.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path, ensures the
// data directory exists, and runs schema migrations.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL for concurrent read/write, busy_timeout so writers wait
	// instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS auth_codes (
    code TEXT PRIMARY KEY,
    issued_at TEXT NOT NULL,
    client_id TEXT NOT NULL,
    redirect_uri TEXT NOT NULL,
    state TEXT NOT NULL,
    code_challenge TEXT NOT NULL,
    code_challenge_method TEXT NOT NULL,
    scopes TEXT NOT NULL,
    host TEXT NOT NULL,
    used INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS bearer_tokens (
    token TEXT PRIMARY KEY,
    issued_at TEXT NOT NULL,
    code TEXT NOT NULL,
    client_id TEXT NOT NULL,
    scopes TEXT NOT NULL,
    host TEXT NOT NULL,
    revoked INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS app_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`)
	return err
}

// newSecret returns a fresh URL-safe random string.
func newSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("tokens: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// CodeRequest carries the parameters the consent form approved.
type CodeRequest struct {
	ClientID        string
	RedirectURI     string
	State           string
	Challenge       string
	ChallengeMethod string
	Scopes          []string
	Host            string
}

// IssueCode records a new authorization code for the given grant and
// returns it. The code is redeemable once, within CodeTTL.
func (s *Store) IssueCode(ctx context.Context, req CodeRequest, now time.Time) (string, error) {
	code := newSecret()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (code, issued_at, client_id, redirect_uri, state, code_challenge, code_challenge_method, scopes, host)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code, now.UTC().Format(time.RFC3339), req.ClientID, req.RedirectURI,
		req.State, req.Challenge, req.ChallengeMethod,
		strings.Join(req.Scopes, " "), req.Host)
	if err != nil {
		return "", fmt.Errorf("tokens: issue code: %w", err)
	}
	return code, nil
}

// RedeemRequest carries what the client presents when redeeming a code.
type RedeemRequest struct {
	Code        string
	ClientID    string
	RedirectURI string
	Host        string
	Verifier    string
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so code redemption can run standalone or inside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RedeemCode validates and consumes an authorization code. The
// consume step is a conditional UPDATE, so when two requests race on
// the same code exactly one of them wins; the loser gets
// ErrInvalidGrant.
func (s *Store) RedeemCode(ctx context.Context, req RedeemRequest, now time.Time) (*Code, error) {
	return redeemCode(ctx, s.db, req, now)
}

func redeemCode(ctx context.Context, q querier, req RedeemRequest, now time.Time) (*Code, error) {
	row := q.QueryRowContext(ctx, `
		SELECT code, issued_at, client_id, redirect_uri, state, code_challenge, code_challenge_method, scopes, host, used
		FROM auth_codes WHERE code = ?`, req.Code)
	c, err := scanCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("tokens: redeem code: %w", err)
	}

	if c.Used ||
		now.Sub(c.IssuedAt) > CodeTTL ||
		req.ClientID != c.ClientID ||
		req.RedirectURI != c.RedirectURI ||
		req.Host != c.Host {
		return nil, ErrInvalidGrant
	}
	if c.ChallengeMethod == "S256" {
		if err := verifyS256(c.Challenge, req.Verifier); err != nil {
			return nil, err
		}
	}

	res, err := q.ExecContext(ctx,
		`UPDATE auth_codes SET used = 1 WHERE code = ? AND used = 0`, req.Code)
	if err != nil {
		return nil, fmt.Errorf("tokens: consume code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("tokens: consume code: %w", err)
	}
	if n == 0 {
		// Lost the race to a concurrent redemption.
		return nil, ErrInvalidGrant
	}
	c.Used = true
	return c, nil
}

// verifyS256 checks a PKCE code_verifier against the stored challenge.
func verifyS256(challenge, verifier string) error {
	if verifier == "" {
		return ErrVerifierMismatch
	}
	want, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(challenge, "="))
	if err != nil {
		return ErrVerifierMismatch
	}
	sum := sha256.Sum256([]byte(verifier))
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return ErrVerifierMismatch
	}
	return nil
}

// Exchange redeems an authorization code and issues a bearer token
// carrying the code's scopes. Redemption and issuance happen in one
// transaction, so a failed insert does not burn the code.
func (s *Store) Exchange(ctx context.Context, req RedeemRequest, now time.Time) (*Grant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tokens: exchange: %w", err)
	}
	defer tx.Rollback()

	c, err := redeemCode(ctx, tx, req, now)
	if err != nil {
		return nil, err
	}
	g := &Grant{
		Token:    newSecret(),
		IssuedAt: now.UTC().Truncate(time.Second),
		ClientID: c.ClientID,
		Scopes:   c.Scopes,
		Host:     c.Host,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bearer_tokens (token, issued_at, code, client_id, scopes, host)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.Token, g.IssuedAt.Format(time.RFC3339), c.Code, g.ClientID,
		strings.Join(g.Scopes, " "), g.Host)
	if err != nil {
		return nil, fmt.Errorf("tokens: issue bearer token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tokens: exchange: %w", err)
	}
	return g, nil
}

// Validate looks up a bearer token. Unknown tokens return
// ErrInvalidToken, revoked tokens ErrTokenRevoked.
func (s *Store) Validate(ctx context.Context, token string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, issued_at, client_id, scopes, host, revoked
		FROM bearer_tokens WHERE token = ?`, token)
	var g Grant
	var issued, scopes string
	var revoked int
	if err := row.Scan(&g.Token, &issued, &g.ClientID, &scopes, &g.Host, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("tokens: validate: %w", err)
	}
	g.IssuedAt, _ = time.Parse(time.RFC3339, issued)
	g.Scopes = splitScopes(scopes)
	g.Revoked = revoked == 1
	if g.Revoked {
		return nil, ErrTokenRevoked
	}
	return &g, nil
}

// Revoke permanently revokes a bearer token. The host must match the
// one the token was issued for. Revoking an unknown token is an error;
// revoking an already-revoked token is not.
func (s *Store) Revoke(ctx context.Context, token, host string) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT host FROM bearer_tokens WHERE token = ?`, token)
	var tokenHost string
	if err := row.Scan(&tokenHost); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return fmt.Errorf("tokens: revoke: %w", err)
	}
	if tokenHost != host {
		return ErrInvalidToken
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE bearer_tokens SET revoked = 1 WHERE token = ?`, token); err != nil {
		return fmt.Errorf("tokens: revoke: %w", err)
	}
	return nil
}

// SetSetting stores a single application setting, replacing any
// previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO app_settings (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("tokens: set setting %q: %w", key, err)
	}
	return nil
}

// Setting returns a single application setting, or ErrNoSetting.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoSetting
		}
		return "", fmt.Errorf("tokens: setting %q: %w", key, err)
	}
	return value, nil
}

func scanCode(row *sql.Row) (*Code, error) {
	var c Code
	var issued, scopes string
	var used int
	err := row.Scan(&c.Code, &issued, &c.ClientID, &c.RedirectURI, &c.State,
		&c.Challenge, &c.ChallengeMethod, &scopes, &c.Host, &used)
	if err != nil {
		return nil, err
	}
	c.IssuedAt, _ = time.Parse(time.RFC3339, issued)
	c.Scopes = splitScopes(scopes)
	c.Used = used == 1
	return &c, nil
}

func splitScopes(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, " ")
}
