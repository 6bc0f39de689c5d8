package twitchauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func withEndpoint(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	orig := validateEndpoint
	validateEndpoint = srv.URL
	t.Cleanup(func() {
		validateEndpoint = orig
		srv.Close()
	})
}

func TestValidate(t *testing.T) {
	withEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "OAuth abc" {
			t.Fatalf("authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"login":"zkbot","user_id":"77","client_id":"cid","scopes":["chat:read","moderator:read:followers"],"expires_in":100}`))
	})

	id, err := Validate(context.Background(), nil, "oauth:abc")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Login != "zkbot" || id.UserID != "77" {
		t.Fatalf("identity = %+v", id)
	}
	if !id.HasScope("moderator:read:followers") || id.HasScope("clips:edit") {
		t.Fatalf("scopes = %v", id.Scopes)
	}
}

func TestValidateRejected(t *testing.T) {
	withEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if _, err := Validate(context.Background(), nil, "bad"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v", err)
	}
	if _, err := Validate(context.Background(), nil, "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token err = %v", err)
	}
}

func TestTokenFiles(t *testing.T) {
	dir := t.TempDir()
	files := TokenFiles{AccessPath: filepath.Join(dir, "access"), RefreshPath: filepath.Join(dir, "refresh")}
	if err := os.WriteFile(files.AccessPath, []byte("oauth:tok\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(files.RefreshPath, []byte(" ref \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got, err := files.ReadAccess(); err != nil || got != "tok" {
		t.Fatalf("ReadAccess = %q, %v", got, err)
	}
	if got, err := files.ReadRefresh(); err != nil || got != "ref" {
		t.Fatalf("ReadRefresh = %q, %v", got, err)
	}
	if got, err := (TokenFiles{}).ReadRefresh(); err != nil || got != "" {
		t.Fatalf("no refresh path = %q, %v", got, err)
	}
}
