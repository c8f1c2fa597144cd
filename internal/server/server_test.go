package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tradepost/internal/config"
	"tradepost/internal/db"
	"tradepost/internal/domain"
	"tradepost/internal/engine"
	"tradepost/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("mkt-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.InitMarket(context.Background(), "mkt-1", "", "tester"); err != nil {
		t.Fatalf("init market: %v", err)
	}
	if err := e.Repo.UpsertMarketConfig(context.Background(), "mkt-1", cfg); err != nil {
		t.Fatalf("seed market config: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
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
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func signToken(t *testing.T, subject string, roles []string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/trades", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestTradeCompletionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/trades", map[string]any{
		"offered_skill":   "dev.backend",
		"requested_skill": "design.graphic",
		"difficulty":      "beginner",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create trade: %d %s", res.StatusCode, string(data))
	}
	var trade domain.Trade
	if err := json.Unmarshal(data, &trade); err != nil {
		t.Fatalf("unmarshal trade: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trades/"+trade.ID+"/proposals", map[string]any{
		"message": "happy to swap",
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("propose: %d %s", res.StatusCode, string(data))
	}
	var proposal domain.Proposal
	_ = json.Unmarshal(data, &proposal)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trades/"+trade.ID+"/proposals/"+proposal.ID+"/accept", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept proposal: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trades/"+trade.ID+"/complete", map[string]any{
		"quality_score": 80,
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first confirmation: %d %s", res.StatusCode, string(data))
	}
	var partial TradeCompletionResponse
	_ = json.Unmarshal(data, &partial)
	if partial.Completed || partial.Trade.Status != "pending_confirmation_counterparty" {
		t.Fatalf("one confirmation should not complete: %+v", partial.Trade)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trades/"+trade.ID+"/complete", map[string]any{
		"quality_score": 100,
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second confirmation: %d %s", res.StatusCode, string(data))
	}
	var done TradeCompletionResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if !done.Completed || done.Trade.Status != "completed" {
		t.Fatalf("expected completed trade: %+v", done.Trade)
	}
	if len(done.Progression) != 2 {
		t.Fatalf("expected progression for both parties: %+v", done.Progression)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actors/alice/progress", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	var progress domain.UserProgress
	_ = json.Unmarshal(data, &progress)
	if progress.TradeCompleted != 1 || progress.TotalXP == 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestRoleApplicationConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/collaborations", map[string]any{
		"title": "Zine launch",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create collaboration: %d %s", res.StatusCode, string(data))
	}
	var collab domain.Collaboration
	_ = json.Unmarshal(data, &collab)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/collaborations/"+collab.ID+"/roles", map[string]any{
		"title":      "Layout",
		"difficulty": "beginner",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create role: %d %s", res.StatusCode, string(data))
	}
	var role domain.Role
	_ = json.Unmarshal(data, &role)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+role.ID+"/applications", map[string]any{}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+role.ID+"/applications", map[string]any{}, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected duplicate conflict, got %d %s", res.StatusCode, string(data))
	}
	// only the owner may accept
	var app domain.Application
	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/roles/"+role.ID+"/applications", nil, asActor("alice"))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list applications: %d %s", listRes.StatusCode, string(listData))
	}
	var apps []domain.Application
	_ = json.Unmarshal(listData, &apps)
	if len(apps) != 1 {
		t.Fatalf("expected one application, got %d", len(apps))
	}
	app = apps[0]
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+role.ID+"/applications/"+app.ID+"/accept", nil, asActor("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+role.ID+"/applications/"+app.ID+"/accept", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
}

func TestSoloCompletionAndValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/progression/completions", map[string]any{
		"kind":          "solo",
		"difficulty":    "beginner",
		"quality_score": 100,
		"first_attempt": true,
	}, asActor("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion: %d %s", res.StatusCode, string(data))
	}
	var pr engine.ProgressionResult
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pr.Reward.TotalXP != 166 {
		t.Fatalf("expected 166 XP, got %d", pr.Reward.TotalXP)
	}

	// schema enum rejects unknown difficulties before the engine runs
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/progression/completions", map[string]any{
		"kind":       "solo",
		"difficulty": "legendary",
	}, asActor("carol"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestGrantFreezesRequiresAdminRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{"actor_id": "dave", "category": "login", "count": 2}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/progression/freezes", body, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d %s", res.StatusCode, string(data))
	}

	token := signToken(t, "ops", []string{"admin"})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/progression/freezes", body, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin grant: %d %s", res.StatusCode, string(data))
	}
	var state domain.StreakState
	_ = json.Unmarshal(data, &state)
	if state.FreezesAvailable != 4 { // 2 seeded + 2 granted
		t.Fatalf("expected 4 freezes, got %d", state.FreezesAvailable)
	}
}

func TestBadBearerTokenRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/trades", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}
