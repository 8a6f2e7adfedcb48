package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/storage/storagemock"
	"github.com/solixplan/solixplan/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockStorage = storagemock.MockDatabase

const (
	testAudience      = "test-audience"
	testEncryptionKey = "12345678901234567890123456789012"
)

// testIssuer is an OIDC provider serving discovery and keys from memory.
type testIssuer struct {
	srv *httptest.Server
	key *rsa.PrivateKey
}

func setupOIDCTest(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	iss := &testIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                iss.srv.URL,
			"jwks_uri":                              iss.srv.URL + "/keys",
			"authorization_endpoint":                iss.srv.URL + "/auth",
			"token_endpoint":                        iss.srv.URL + "/token",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "test-key",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	})
	iss.srv = httptest.NewServer(mux)
	t.Cleanup(iss.srv.Close)
	return iss
}

// verifier returns a token verifier bound to testAudience.
func (iss *testIssuer) verifier(t *testing.T) tokenVerifier {
	t.Helper()
	provider, err := oidc.NewProvider(context.Background(), iss.srv.URL)
	require.NoError(t, err)
	return provider.Verifier(&oidc.Config{ClientID: testAudience}).Verify
}

// token signs an ID token for the subject and email.
func (iss *testIssuer) token(t *testing.T, subject, email string) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: iss.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"),
	)
	require.NoError(t, err)

	now := time.Now()
	payload, err := json.Marshal(map[string]any{
		"iss":   iss.srv.URL,
		"aud":   testAudience,
		"sub":   subject,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(t, err)
	return raw
}

// newMockServer returns a server backed by a testify storage mock with
// authentication bypassed.
func newMockServer(t *testing.T) (*Server, *mockStorage) {
	t.Helper()
	db := &mockStorage{}
	e := ess.NewMap(ess.Config{})
	e.SetDatabase(db)
	srv := newServer(e, db)
	srv.bypassAuth = true
	srv.encryptionKey = testEncryptionKey
	return srv, db
}

// newSQLiteServer returns a server backed by a temporary SQLite database
// whose default site runs the mock ESS.
func newSQLiteServer(t *testing.T, model string) (*Server, *storage.SQLiteProvider) {
	t.Helper()
	db := storage.NewSQLite(filepath.Join(t.TempDir(), "solixplan.db"))
	require.NoError(t, db.Validate())
	require.NoError(t, db.Init(context.Background()))
	t.Cleanup(func() { db.Close() })

	e := ess.NewMap(ess.Config{})
	e.SetDatabase(db)
	srv := newServer(e, db)
	srv.bypassAuth = true
	srv.encryptionKey = testEncryptionKey

	if model != "" {
		require.NoError(t, db.SetSettings(context.Background(), types.SiteIDNone, types.Settings{
			ESS:           "mock",
			DeviceModel:   model,
			DeviceSerials: []string{"SN1"},
			Timezone:      "UTC",
			FixedPrice:    0.3,
			Currency:      "€",
		}, types.CurrentSettingsVersion))
	}
	return srv, db
}

// do sends a request through the full handler chain and decodes a JSON
// response into out when it is not nil.
func do(t *testing.T, h http.Handler, method, target string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}
