package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"hedgeedge/internal/channelreader"
	"hedgeedge/internal/copier"
	"hedgeedge/internal/domain"
	"hedgeedge/internal/session"
	"hedgeedge/pkg/config"
)

func TestHubPublishFanOutIsNonBlocking(t *testing.T) {
	h := newHub()
	slow, unsubSlow := h.subscribe(0) // unbuffered: never drained below
	fast, unsubFast := h.subscribe(1)
	defer unsubSlow()
	defer unsubFast()

	done := make(chan struct{})
	go func() {
		h.publish(topicEvent, "hello")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	select {
	case msg := <-fast:
		if msg.Topic != topicEvent || msg.Payload != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("expected fast subscriber to receive the message")
	}

	select {
	case <-slow:
		t.Fatal("did not expect the unbuffered slow subscriber to receive anything")
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := newHub()
	ch, unsub := h.subscribe(1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestIssueProcessTokenWritesFileAndValidates(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "controlapi.token")
	tok, err := issueProcessToken("s3cr3t", tokenFile)
	if err != nil {
		t.Fatalf("issueProcessToken: %v", err)
	}
	if tok == "" {
		t.Fatal("expected non-empty token")
	}

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if string(raw) != tok {
		t.Fatalf("expected token file contents to match issued token")
	}
}

func TestAuthMiddlewareRejectsMissingAndInvalidTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", authMiddleware("secret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/protected")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no Authorization header, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with an invalid token, got %d", resp2.StatusCode)
	}
}

func TestAuthMiddlewareAcceptsIssuedToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tok, err := issueProcessToken("secret", "")
	if err != nil {
		t.Fatalf("issueProcessToken: %v", err)
	}

	r := gin.New()
	r.GET("/protected", authMiddleware("secret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", resp.StatusCode)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{CommandTimeout: time.Second, ScanCacheTTL: time.Second}
	reader := channelreader.New(cfg, nil, nil, nil)

	sessions, err := session.New(filepath.Join(dir, "sessions.json"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(sessions.Close)

	engine, err := copier.New(copier.Options{
		CorrelationsPath: filepath.Join(dir, "correlations.json"),
		GroupsPath:        filepath.Join(dir, "groups.json"),
		FollowerStatsPath: filepath.Join(dir, "follower-stats.json"),
		PersistDebounce:  10 * time.Millisecond,
	}, reader)
	if err != nil {
		t.Fatalf("copier.New: %v", err)
	}
	t.Cleanup(engine.Shutdown)

	srv, _, err := New(Options{JWTSecret: "secret"}, reader, sessions, engine, nil, nil)
	if err != nil {
		t.Fatalf("controlapi.New: %v", err)
	}
	return srv
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.router)
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/health")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestListSessionsRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.router)
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", resp.StatusCode)
	}
}

func TestUpsertGroupForcesReverseModeOnFollowers(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.router)
	defer httpSrv.Close()

	tok, err := issueProcessToken("secret", "")
	if err != nil {
		t.Fatalf("issueProcessToken: %v", err)
	}

	group := domain.CopierGroup{
		ID:            "g1",
		Name:          "group one",
		Active:        true,
		LeaderAccount: "acc1",
		Followers: []domain.FollowerConfig{
			{ID: "f1", AccountID: "acc2", ReverseMode: false},
		},
	}
	body, _ := json.Marshal(group)

	req, _ := http.NewRequest(http.MethodPost, httpSrv.URL+"/api/v1/copier/groups", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	groups := srv.engine.Groups()
	if len(groups) != 1 || len(groups[0].Followers) != 1 {
		t.Fatalf("expected one group with one follower, got %+v", groups)
	}
	if !groups[0].Followers[0].ReverseMode {
		t.Fatal("expected ReverseMode to be forced true regardless of the request payload")
	}
}

func TestResetCircuitBreakerNotFound(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.router)
	defer httpSrv.Close()

	tok, err := issueProcessToken("secret", "")
	if err != nil {
		t.Fatalf("issueProcessToken: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, httpSrv.URL+"/api/v1/copier/followers/missing/reset-circuit-breaker", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown follower, got %d", resp.StatusCode)
	}
}

func TestSyncOfflineTradesNotFound(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.router)
	defer httpSrv.Close()

	tok, err := issueProcessToken("secret", "")
	if err != nil {
		t.Fatalf("issueProcessToken: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, httpSrv.URL+"/api/v1/copier/followers/missing/sync-offline-trades", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown follower, got %d", resp.StatusCode)
	}
}

func TestSyncOfflineTradesReplaysLog(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{CommandTimeout: time.Second, ScanCacheTTL: time.Second}
	reader := channelreader.New(cfg, nil, nil, nil)

	sessions, err := session.New(filepath.Join(dir, "sessions.json"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(sessions.Close)

	engine, err := copier.New(copier.Options{
		CorrelationsPath: filepath.Join(dir, "correlations.json"),
		GroupsPath:        filepath.Join(dir, "groups.json"),
		FollowerStatsPath: filepath.Join(dir, "follower-stats.json"),
		PersistDebounce:  10 * time.Millisecond,
	}, reader)
	if err != nil {
		t.Fatalf("copier.New: %v", err)
	}
	t.Cleanup(engine.Shutdown)

	engine.UpsertGroup(domain.CopierGroup{
		ID: "g1", Name: "group one", Active: true, LeaderAccount: "acc1",
		Followers: []domain.FollowerConfig{{ID: "f1", AccountID: "acc2", ReverseMode: true}},
	})

	offlineSync, err := copier.NewOfflineSync(filepath.Join(dir, "copier-offline-watermark.json"), 10*time.Millisecond, engine)
	if err != nil {
		t.Fatalf("copier.NewOfflineSync: %v", err)
	}
	t.Cleanup(offlineSync.Close)

	logPath := filepath.Join(dir, "acc2.trades.jsonl")
	if err := os.WriteFile(logPath, []byte(`{"event":"COPY_CLOSE","timestampUnix":1,"accountId":"acc2","profit":10,"swap":0,"commission":0}`+"\n"), 0o644); err != nil {
		t.Fatalf("write trade log: %v", err)
	}

	srv, _, err := New(Options{JWTSecret: "secret"}, reader, sessions, engine, offlineSync, func(accountID string) string {
		return filepath.Join(dir, accountID+".trades.jsonl")
	})
	if err != nil {
		t.Fatalf("controlapi.New: %v", err)
	}
	httpSrv := httptest.NewServer(srv.router)
	defer httpSrv.Close()

	tok, err := issueProcessToken("secret", "")
	if err != nil {
		t.Fatalf("issueProcessToken: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, httpSrv.URL+"/api/v1/copier/followers/f1/sync-offline-trades", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	found := false
	for _, g := range engine.Groups() {
		for _, f := range g.Followers {
			if f.ID != "f1" {
				continue
			}
			found = true
			if f.Stats.TotalProfit != 10 || f.Stats.TradesTotal != 1 {
				t.Fatalf("expected the replayed close to credit profit 10 over 1 trade, got %+v", f.Stats)
			}
		}
	}
	if !found {
		t.Fatal("follower f1 missing after sync")
	}
}

func TestServerStopShutsDownCleanly(t *testing.T) {
	srv := newTestServer(t)
	srv.http.Addr = "127.0.0.1:0"

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// give ListenAndServe a moment to bind before shutting down.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned an error after shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
