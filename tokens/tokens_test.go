package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCodeRequest() CodeRequest {
	return CodeRequest{
		ClientID:    "https://client.example.net/",
		RedirectURI: "https://client.example.net/callback",
		State:       "xyzzy",
		Scopes:      []string{"profile", "create"},
		Host:        "pub.example.org",
	}
}

func redeemFor(req CodeRequest, code string) RedeemRequest {
	return RedeemRequest{
		Code:        code,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Host:        req.Host,
	}
}

func TestExchangeIssuesBearerToken(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testCodeRequest()
	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}

	grant, err := s.Exchange(ctx, redeemFor(req, code), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if grant.Token == "" {
		t.Fatal("empty bearer token")
	}
	if grant.ClientID != req.ClientID {
		t.Errorf("ClientID = %q", grant.ClientID)
	}
	if !grant.HasScope("create") || grant.HasScope("delete") {
		t.Errorf("scopes = %v, want the granted set", grant.Scopes)
	}

	got, err := s.Validate(ctx, grant.Token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got.ClientID != req.ClientID || !got.HasScope("profile") {
		t.Errorf("validated grant = %+v", got)
	}
}

func TestCodeIsSingleUse(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testCodeRequest()
	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}
	if _, err := s.Exchange(ctx, redeemFor(req, code), now); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}
	if _, err := s.Exchange(ctx, redeemFor(req, code), now); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange err = %v, want ErrInvalidGrant", err)
	}
}

func TestFailedIssuanceDoesNotConsumeCode(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testCodeRequest()
	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}

	// Make the bearer-token insert fail mid-exchange.
	if _, err := s.db.ExecContext(ctx, `DROP TABLE bearer_tokens`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, err := s.Exchange(ctx, redeemFor(req, code), now); err == nil {
		t.Fatal("exchange succeeded without a bearer_tokens table")
	}

	if err := s.ensureSchema(); err != nil {
		t.Fatalf("ensureSchema: %v", err)
	}
	grant, err := s.Exchange(ctx, redeemFor(req, code), now)
	if err != nil {
		t.Fatalf("exchange after failed issuance = %v, want the code still redeemable", err)
	}
	if _, err := s.Validate(ctx, grant.Token); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testCodeRequest()
	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Exchange(ctx, redeemFor(req, code), now)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrInvalidGrant):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestCodeExpiry(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testCodeRequest()
	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}
	late := now.Add(CodeTTL + time.Second)
	if _, err := s.Exchange(ctx, redeemFor(req, code), late); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expired exchange err = %v, want ErrInvalidGrant", err)
	}
}

func TestRedeemRejectsMismatchedParameters(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testCodeRequest()
	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}

	bad := []RedeemRequest{
		{Code: code, ClientID: "https://evil.example/", RedirectURI: req.RedirectURI, Host: req.Host},
		{Code: code, ClientID: req.ClientID, RedirectURI: "https://evil.example/cb", Host: req.Host},
		{Code: code, ClientID: req.ClientID, RedirectURI: req.RedirectURI, Host: "evil.example"},
	}
	for _, r := range bad {
		if _, err := s.RedeemCode(ctx, r, now); !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("RedeemCode(%+v) err = %v, want ErrInvalidGrant", r, err)
		}
	}

	// The failed attempts must not have consumed the code.
	if _, err := s.RedeemCode(ctx, redeemFor(req, code), now); err != nil {
		t.Errorf("legitimate redeem after mismatches failed: %v", err)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	s := setupStore(t)
	req := testCodeRequest()
	if _, err := s.RedeemCode(context.Background(), redeemFor(req, "no-such-code"), time.Now()); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("err = %v, want ErrInvalidCode", err)
	}
}

func TestPKCEVerification(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	verifier := "some-long-enough-code-verifier-string"
	sum := sha256.Sum256([]byte(verifier))
	req := testCodeRequest()
	req.Challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	req.ChallengeMethod = "S256"

	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}

	wrong := redeemFor(req, code)
	wrong.Verifier = "not-the-verifier"
	if _, err := s.RedeemCode(ctx, wrong, now); !errors.Is(err, ErrVerifierMismatch) {
		t.Errorf("wrong verifier err = %v, want ErrVerifierMismatch", err)
	}

	missing := redeemFor(req, code)
	if _, err := s.RedeemCode(ctx, missing, now); !errors.Is(err, ErrVerifierMismatch) {
		t.Errorf("missing verifier err = %v, want ErrVerifierMismatch", err)
	}

	good := redeemFor(req, code)
	good.Verifier = verifier
	if _, err := s.RedeemCode(ctx, good, now); err != nil {
		t.Errorf("correct verifier failed: %v", err)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testCodeRequest()
	code, err := s.IssueCode(ctx, req, now)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}
	grant, err := s.Exchange(ctx, redeemFor(req, code), now)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}

	if err := s.Revoke(ctx, grant.Token, "other.example"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("revoke with wrong host err = %v, want ErrInvalidToken", err)
	}
	if _, err := s.Validate(ctx, grant.Token); err != nil {
		t.Fatalf("token should survive failed revoke: %v", err)
	}

	if err := s.Revoke(ctx, grant.Token, req.Host); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := s.Validate(ctx, grant.Token); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("validate after revoke err = %v, want ErrTokenRevoked", err)
	}
	// Revoking again is a no-op, not an error.
	if err := s.Revoke(ctx, grant.Token, req.Host); err != nil {
		t.Errorf("second revoke err = %v", err)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Validate(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestSettings(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.Setting(ctx, "owner_profile"); !errors.Is(err, ErrNoSetting) {
		t.Errorf("missing setting err = %v, want ErrNoSetting", err)
	}
	if err := s.SetSetting(ctx, "owner_profile", "https://me.example.org/"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.SetSetting(ctx, "owner_profile", "https://me2.example.org/"); err != nil {
		t.Fatalf("SetSetting replace failed: %v", err)
	}
	got, err := s.Setting(ctx, "owner_profile")
	if err != nil {
		t.Fatalf("Setting failed: %v", err)
	}
	if got != "https://me2.example.org/" {
		t.Errorf("Setting = %q", got)
	}
}
