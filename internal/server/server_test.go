package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/ledger"
	"escrowline/internal/ledger/memledger"
	"escrowline/internal/migrate"
	"escrowline/internal/signer"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Ledger *memledger.Ledger
	// Keys maps user id to an X-Api-Key value.
	Keys    map[string]string
	Wallets map[string]string
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) as(userID string) map[string]string {
	return map[string]string{"X-Api-Key": s.Keys[userID]}
}

// newTestServer seeds admin A1, client C1, freelancers F1 and F2. The server
// holds signing keys for C1 and F1 only.
func newTestServer(t *testing.T, mutate ...func(*Config)) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := memledger.New()
	e := engine.New(conn, led)
	ctx := context.Background()

	keyring := signer.NewKeyring()
	wallets := map[string]string{}
	for _, id := range []string{"C1", "F1", "F2"} {
		k, err := signer.Generate()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addr, _ := k.Address(ctx)
		wallets[id] = addr
		if id != "F2" {
			keyring.Add(id, k)
		}
	}
	led.Fund(wallets["C1"], new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000)))

	users := []engine.UserCreateOptions{
		{ID: "A1", Email: "admin@example.com", Role: domain.RoleAdmin},
		{ID: "C1", Email: "c1@example.com", Role: domain.RoleClient, WalletAddress: wallets["C1"]},
		{ID: "F1", Email: "f1@example.com", Role: domain.RoleFreelancer, WalletAddress: wallets["F1"]},
		{ID: "F2", Email: "f2@example.com", Role: domain.RoleFreelancer, WalletAddress: wallets["F2"]},
	}
	keys := map[string]string{}
	for _, u := range users {
		if _, err := e.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
		_, raw, err := e.CreateAPIKey(ctx, u.ID, "test")
		if err != nil {
			t.Fatalf("api key %s: %v", u.ID, err)
		}
		keys[u.ID] = raw
	}

	cfg := Config{Engine: e, BasePath: "/v0", Keyring: keyring}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Ledger:  led,
		Keys:    keys,
		Wallets: wallets,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func createProject(t *testing.T, srv *testServer, ownerID, id string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":     id,
		"title":  "Landing page",
		"budget": "1.5",
	}, srv.as(ownerID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func applyTo(t *testing.T, srv *testServer, projectID, freelancerID string) domain.Application {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/applications", map[string]any{
		"cover_letter": "hire me",
	}, srv.as(freelancerID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Application
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}
	return a
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := createProject(t, srv, "C1", "P1")
	if p.Status != domain.StateOpen || p.BudgetWei != "1500000000000000000" || p.BudgetEther != "1.5" {
		t.Fatalf("unexpected project: %+v", p)
	}
	a1 := applyTo(t, srv, "P1", "F1")
	applyTo(t, srv, "P1", "F2")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/P1/applications", nil, srv.as("C1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list applications: %d %s", res.StatusCode, string(data))
	}
	var apps []domain.Application
	_ = json.Unmarshal(data, &apps)
	if len(apps) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(apps))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/P1/hire", map[string]any{
		"application_id": a1.ID,
	}, srv.as("C1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hire: %d %s", res.StatusCode, string(data))
	}
	var hired ProjectResponse
	_ = json.Unmarshal(data, &hired)
	if hired.Status != domain.StateInProgress || hired.LedgerID == nil || hired.FreelancerID == nil || *hired.FreelancerID != "F1" {
		t.Fatalf("unexpected hired project: %+v", hired)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/P1/finalize", nil, srv.as("C1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected early finalize to be rejected (422), got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "ledger_rejected" || env.Error.Details["kind"] != "not_completed" {
		t.Fatalf("unexpected rejection: %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/P1/complete", nil, srv.as("C1"))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "guard_violation" {
		t.Fatalf("expected owner mark-complete to be a guard violation, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/P1/complete", nil, srv.as("F1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/P1/finalize", nil, srv.as("C1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(data))
	}
	var paid ProjectResponse
	_ = json.Unmarshal(data, &paid)
	if paid.Status != domain.StatePaid {
		t.Fatalf("expected paid, got %s", paid.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/P1/lifecycle", nil, srv.as("F1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lifecycle: %d %s", res.StatusCode, string(data))
	}
	var view engine.LifecycleView
	_ = json.Unmarshal(data, &view)
	if view.Ledger == nil || !view.Ledger.Released || !strings.EqualFold(view.Ledger.Payee, srv.Wallets["F1"]) {
		t.Fatalf("unexpected ledger view: %+v", view.Ledger)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/P1/lifecycle", nil, srv.as("F2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected non-party lifecycle read to be forbidden, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=P1&limit=1", nil, srv.as("C1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	_ = json.Unmarshal(data, &evts)
	if len(evts) != 1 || evts[0].Type != "lifecycle.paid" {
		t.Fatalf("expected newest event lifecycle.paid, got %+v", evts)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/P1/reconcile", map[string]any{}, srv.as("C1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reconcile: %d %s", res.StatusCode, string(data))
	}
	var rep engine.ReconcileReport
	_ = json.Unmarshal(data, &rep)
	if !rep.InSync || rep.Expected != domain.StatePaid {
		t.Fatalf("expected in-sync paid report, got %+v", rep)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "el_nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, srv.as("F1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var u domain.User
	_ = json.Unmarshal(data, &u)
	if u.ID != "F1" {
		t.Fatalf("expected F1, got %s", u.ID)
	}
}

func TestHireWithSwitchedWalletIsIdentityMismatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createProject(t, srv, "C1", "P1")
	a := applyTo(t, srv, "P1", "F1")

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/me/wallet", map[string]any{
		"wallet_address": srv.Wallets["F2"],
	}, srv.as("C1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set wallet: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/P1/hire", map[string]any{
		"application_id": a.ID,
	}, srv.as("C1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "identity_mismatch" {
		t.Fatalf("expected identity_mismatch, got %s", env.Error.Code)
	}
	if !strings.EqualFold(env.Error.Details["expected"].(string), srv.Wallets["F2"]) ||
		!strings.EqualFold(env.Error.Details["actual"].(string), srv.Wallets["C1"]) {
		t.Fatalf("unexpected details: %+v", env.Error.Details)
	}
	if srv.Ledger.Calls(ledger.OpLock) != 0 {
		t.Fatalf("ledger must not be called on identity mismatch")
	}
}

func TestVerifyIdentityWithoutKeyIsNoSigner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/identity/verify", map[string]any{}, srv.as("F2"))
	if res.StatusCode != http.StatusPreconditionRequired || decodeError(t, data).Error.Code != "no_signer" {
		t.Fatalf("expected 428 no_signer, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/identity/verify", map[string]any{}, srv.as("F1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d %s", res.StatusCode, string(data))
	}
	var result struct {
		Match bool `json:"match"`
	}
	_ = json.Unmarshal(data, &result)
	if !result.Match {
		t.Fatalf("expected F1 key to match its stored wallet: %s", string(data))
	}
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	body := map[string]any{"email": "c2@example.com", "role": "client"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", body, srv.as("C1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", body, srv.as("A1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{
		"email": "c3@example.com", "wallet_address": "0x1234",
	}, srv.as("A1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad wallet to be rejected, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Auth = AuthConfig{JWTSecret: "test-secret", DevLogin: true}
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"email": "c1@example.com"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	if login.Token == "" || login.UserID != "C1" {
		t.Fatalf("unexpected login response: %+v", login)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with token: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token + "x"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected tampered token to be rejected, got %d %s", res.StatusCode, string(data))
	}
}

func TestRateLimitPerUser(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, srv.as("C1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, srv.as("C1"))
	if res.StatusCode != http.StatusTooManyRequests || decodeError(t, data).Error.Code != "rate_limited" {
		t.Fatalf("expected 429 rate_limited, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, srv.as("F1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("other user should have its own bucket: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		types    []string
		verified bool
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		mu.Lock()
		types = append(types, r.Header.Get("X-Escrowline-Event"))
		verified = r.Header.Get("X-Escrowline-Signature") == want
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"project.created"}, Secret: "s3cret"},
	}, nil)
	ctx := context.Background()
	d.dispatchAll(ctx)

	createProject(t, srv, "C1", "P1")
	applyTo(t, srv, "P1", "F1")
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 1 || types[0] != "project.created" {
		t.Fatalf("expected one project.created delivery, got %v", types)
	}
	if !verified {
		t.Fatalf("signature header did not verify")
	}
}
