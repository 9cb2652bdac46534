package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eslider/triggerd/internal/config"
	"github.com/eslider/triggerd/internal/model"
	"github.com/eslider/triggerd/internal/platform"
)

const testConfig = `
webhooks:
  - name: cam1
    token: fixed-test-token-cam1
  - name: front-door
    debounceSeconds: 60
    token: fixed-test-token-door
`

func newTestServer(t *testing.T, cfgYAML string) (*platform.Platform, http.Handler, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "triggerd.yml")
	if err := os.WriteFile(path, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	p := platform.New(store, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start platform: %v", err)
	}
	return p, NewRouter(p, zerolog.Nop()), path
}

func doRequest(h http.Handler, method, target, remoteAddr string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestFireWithValidToken(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	rec := doRequest(h, http.MethodGet, "/wh/cam1?token=fixed-test-token-cam1", "192.168.1.40:9000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["fired"] != true {
		t.Errorf("body = %v, want ok and fired", body)
	}

	// Header form works too.
	rec = doRequest(h, http.MethodPost, "/wh/cam1", "192.168.1.40:9000",
		map[string]string{"x-webhook-token": "fixed-test-token-cam1"})
	if rec.Code != http.StatusOK {
		t.Errorf("header token status = %d, want 200", rec.Code)
	}
}

func TestFireFailuresAreUniform(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	badToken := doRequest(h, http.MethodGet, "/wh/cam1?token=wrong", "127.0.0.1:9000", nil)
	unknownName := doRequest(h, http.MethodGet, "/wh/no-such?token=fixed-test-token-cam1", "127.0.0.1:9000", nil)
	noToken := doRequest(h, http.MethodGet, "/wh/cam1", "127.0.0.1:9000", nil)

	for i, rec := range []*httptest.ResponseRecorder{badToken, unknownName, noToken} {
		if rec.Code != http.StatusForbidden {
			t.Errorf("case %d: status = %d, want 403", i, rec.Code)
		}
	}
	// An outside caller must not be able to tell a bad token from an
	// unknown trigger name.
	if badToken.Body.String() != unknownName.Body.String() {
		t.Errorf("bodies differ: %q vs %q", badToken.Body.String(), unknownName.Body.String())
	}
}

func TestFireRejectsRemoteOriginByDefault(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	rec := doRequest(h, http.MethodGet, "/wh/cam1?token=fixed-test-token-cam1", "203.0.113.9:4444", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("remote caller status = %d, want 403", rec.Code)
	}
}

func TestFireAllowsRemoteWhenLocalOnlyDisabled(t *testing.T) {
	cfg := "enforceLocalOnly: false\n" + testConfig
	_, h, _ := newTestServer(t, cfg)

	rec := doRequest(h, http.MethodGet, "/wh/cam1?token=fixed-test-token-cam1", "203.0.113.9:4444", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("remote caller status = %d, want 200 with enforceLocalOnly=false", rec.Code)
	}
}

func TestDebounceReportsFiredFalse(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	first := doRequest(h, http.MethodGet, "/wh/front-door?token=fixed-test-token-door", "127.0.0.1:1", nil)
	second := doRequest(h, http.MethodGet, "/wh/front-door?token=fixed-test-token-door", "127.0.0.1:1", nil)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d, want 200 for both", first.Code, second.Code)
	}
	if body := decodeBody(t, first); body["fired"] != true {
		t.Errorf("first fire = %v, want fired", body)
	}
	if body := decodeBody(t, second); body["fired"] != false {
		t.Errorf("second fire = %v, want suppressed by debounce", body)
	}
}

func TestStateShowsActivationAndAutoReset(t *testing.T) {
	p, h, _ := newTestServer(t, testConfig)

	// Shrink cam1's reset window so the test observes the full cycle.
	p.Machine.Add("cam1", model.TriggerKindWebhook, 0, 50*time.Millisecond)

	rec := doRequest(h, http.MethodGet, "/wh/cam1?token=fixed-test-token-cam1", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fire status = %d", rec.Code)
	}

	var snap model.StateSnapshot
	rec = doRequest(h, http.MethodGet, "/api/state", "127.0.0.1:1", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Webhooks) != 2 {
		t.Fatalf("snapshot has %d webhooks, want 2", len(snap.Webhooks))
	}
	var cam1 *model.WebhookState
	for i := range snap.Webhooks {
		if snap.Webhooks[i].Name == "cam1" {
			cam1 = &snap.Webhooks[i]
		}
	}
	if cam1 == nil {
		t.Fatal("cam1 missing from snapshot")
	}
	if !cam1.Active {
		t.Error("cam1 not active right after firing")
	}
	if cam1.ID == "" {
		t.Error("cam1 snapshot has no id")
	}
	if cam1.Path != "/wh/cam1" {
		t.Errorf("cam1 path = %q, want /wh/cam1", cam1.Path)
	}
	if strings.Contains(rec.Body.String(), "fixed-test-token-cam1") {
		t.Error("snapshot leaked a webhook token")
	}

	time.Sleep(150 * time.Millisecond)
	rec = doRequest(h, http.MethodGet, "/api/state", "127.0.0.1:1", nil)
	snap = model.StateSnapshot{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	for _, wh := range snap.Webhooks {
		if wh.Name == "cam1" && wh.Active {
			t.Error("cam1 still active after the reset window")
		}
	}
}

func TestAdminSurfaceRejectsRemoteOrigin(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	for _, target := range []string{"/health", "/api/state"} {
		rec := doRequest(h, http.MethodGet, target, "203.0.113.9:4444", nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("GET %s from remote: status = %d, want 403", target, rec.Code)
		}
	}
}

func TestAdminSecretEnforced(t *testing.T) {
	cfg := "adminSecret: hunter2\n" + testConfig
	_, h, _ := newTestServer(t, cfg)

	rec := doRequest(h, http.MethodGet, "/health", "127.0.0.1:1", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("no secret: status = %d, want 403", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/health", "127.0.0.1:1",
		map[string]string{"x-admin-secret": "hunter2"})
	if rec.Code != http.StatusOK {
		t.Errorf("with secret: status = %d, want 200", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/health?adminSecret=hunter2", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("query secret: status = %d, want 200", rec.Code)
	}
}

func TestRevealReturnsTokenAndURL(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	rec := doRequest(h, http.MethodPost, "/api/webhooks/cam1/reveal", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["token"] != "fixed-test-token-cam1" {
		t.Errorf("token = %v, want the configured token", body["token"])
	}
	url, _ := body["url"].(string)
	if !strings.Contains(url, "/wh/cam1?token=fixed-test-token-cam1") {
		t.Errorf("url = %q, want the firing URL with token", url)
	}
}

func TestRevealUnknownTrigger(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	rec := doRequest(h, http.MethodPost, "/api/webhooks/nope/reveal", "127.0.0.1:1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRegenerateRotatesAndPersists(t *testing.T) {
	_, h, cfgPath := newTestServer(t, testConfig)

	rec := doRequest(h, http.MethodPost, "/api/webhooks/cam1/regenerate", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	newTok, _ := decodeBody(t, rec)["token"].(string)
	if newTok == "" || newTok == "fixed-test-token-cam1" {
		t.Fatalf("regenerate returned %q, want a fresh token", newTok)
	}

	// The old credential is dead immediately.
	rec = doRequest(h, http.MethodGet, "/wh/cam1?token=fixed-test-token-cam1", "127.0.0.1:1", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("old token status = %d, want 403", rec.Code)
	}
	rec = doRequest(h, http.MethodGet, "/wh/cam1?token="+newTok, "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("new token status = %d, want 200", rec.Code)
	}

	// And the config file now holds the new one.
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), newTok) {
		t.Error("config file does not contain the regenerated token")
	}
	if strings.Contains(string(data), "fixed-test-token-cam1") {
		t.Error("config file still contains the retired token")
	}
}

func TestEphemeralGrant(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	rec := doRequest(h, http.MethodPost, "/api/webhooks/cam1/ephemeral?ttl=60", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	var grant model.EphemeralGrant
	if err := json.Unmarshal(rec.Body.Bytes(), &grant); err != nil {
		t.Fatal(err)
	}
	if grant.Token == "" || grant.Token == "fixed-test-token-cam1" {
		t.Fatalf("grant token = %q", grant.Token)
	}
	if until := time.Until(grant.ExpiresAt); until < 55*time.Second || until > 65*time.Second {
		t.Errorf("expiry %v from now, want about a minute", until)
	}

	// The ephemeral token fires without disturbing the permanent one.
	rec = doRequest(h, http.MethodGet, "/wh/cam1?token="+grant.Token, "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ephemeral fire status = %d, want 200", rec.Code)
	}
	rec = doRequest(h, http.MethodGet, "/wh/cam1?token=fixed-test-token-cam1", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("permanent fire status = %d, want 200", rec.Code)
	}
}

func TestEphemeralRejectsNonNumericTTL(t *testing.T) {
	_, h, _ := newTestServer(t, testConfig)

	rec := doRequest(h, http.MethodPost, "/api/webhooks/cam1/ephemeral?ttl=soon", "127.0.0.1:1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestNotReadyStubs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triggerd.yml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// Platform constructed but never started.
	p := platform.New(store, nil, zerolog.Nop())
	h := NewRouter(p, zerolog.Nop())

	rec := doRequest(h, http.MethodGet, "/wh/cam1?token=fixed-test-token-cam1", "127.0.0.1:1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("fire status = %d, want 503 before startup", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/api/state", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d, want 200 stub", rec.Code)
	}
	if body := decodeBody(t, rec); body["notReady"] != true {
		t.Errorf("state body = %v, want notReady stub", body)
	}

	rec = doRequest(h, http.MethodGet, "/health", "127.0.0.1:1", nil)
	if body := decodeBody(t, rec); body["ok"] != false {
		t.Errorf("health body = %v, want ok=false before startup", body)
	}
}
