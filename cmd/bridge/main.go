// Command bridge is the composition root: it loads configuration, wires
// every domain package together, starts the control API and HostGlue
// timers, and shuts down cleanly on SIGINT/SIGTERM. Grounded on the
// teacher's root main.go: typed config, explicit wiring calls in
// dependency order, a goroutine running the HTTP server, and a blocking
// signal.Notify channel for shutdown (spec §5 "Shutdown").
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hedgeedge/internal/channelreader"
	"hedgeedge/internal/controlapi"
	"hedgeedge/internal/copier"
	"hedgeedge/internal/dailylimit"
	"hedgeedge/internal/domain"
	"hedgeedge/internal/fanout"
	"hedgeedge/internal/hostglue"
	"hedgeedge/internal/portmgr"
	"hedgeedge/internal/session"
	"hedgeedge/pkg/config"
	"hedgeedge/pkg/license"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bridge: load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatalf("bridge: create state dir: %v", err)
	}

	ports := portmgr.New(portmgr.Ranges{
		ZmqDataStart: cfg.ZmqDataPortStart, ZmqDataEnd: cfg.ZmqDataPortEnd, ZmqDataStep: cfg.ZmqDataPortStep,
		ProxyStart: cfg.ProxyPortStart, ProxyEnd: cfg.ProxyPortEnd, AgentHTTP: cfg.AgentHTTPPorts,
	}, cfg.ProbeTimeout, cfg.ScanMutexTimeout)

	sessions, err := session.New(filepath.Join(cfg.StateDir, "sessions.json"), cfg.PersistDebounce)
	if err != nil {
		log.Fatalf("bridge: session manager: %v", err)
	}
	defer sessions.Close()

	limits, err := dailylimit.New(filepath.Join(cfg.StateDir, "daily-limit-states.json"), cfg.PersistDebounce)
	if err != nil {
		log.Fatalf("bridge: daily limit tracker: %v", err)
	}
	defer limits.Close()

	var api *controlapi.Server
	var glue *hostglue.HostGlue

	lic := license.NewManager(cfg.LicenseJWTSecret)
	reader := channelreader.New(cfg, ports, lic, func(ev channelreader.UIEvent) {
		if ev.Type == channelreader.UIHeartbeat && ev.Snapshot != nil {
			if glue != nil {
				glue.PushHeartbeat(*ev.Snapshot)
			}
			return
		}
		if api != nil {
			api.PublishEvent(ev)
		}
	})

	engine, err := copier.New(copier.Options{
		CorrelationsPath:        filepath.Join(cfg.StateDir, "copier-correlations.json"),
		GroupsPath:              filepath.Join(cfg.StateDir, "copier_groups.json"),
		FollowerStatsPath:       filepath.Join(cfg.StateDir, "copier-follower-stats.json"),
		PersistDebounce:         cfg.PersistDebounce,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		DefaultMagic:            cfg.DefaultMagicNumber,
		OnCircuitBreakerTrip: func(groupID, followerID string) {
			if api != nil {
				api.PublishEvent(map[string]any{
					"type":                 "copyError",
					"circuitBreakerActive": true,
					"groupId":              groupID,
					"followerId":           followerID,
				})
			}
		},
	}, reader)
	if err != nil {
		log.Fatalf("bridge: copier engine: %v", err)
	}
	defer engine.Shutdown()

	offlineSync, err := copier.NewOfflineSync(filepath.Join(cfg.StateDir, "copier-offline-watermark.json"), cfg.PersistDebounce, engine)
	if err != nil {
		log.Fatalf("bridge: offline sync: %v", err)
	}
	defer offlineSync.Close()

	tradeLogPath := func(accountID string) string {
		return filepath.Join(cfg.RegistrationDir, accountID+".trades.jsonl")
	}
	for _, group := range engine.Groups() {
		for _, follower := range group.Followers {
			if err := offlineSync.Sync(follower.AccountID, follower.ID, group.ID, tradeLogPath(follower.AccountID)); err != nil {
				log.Printf("bridge: offline sync for follower %s: %v", follower.ID, err)
			}
		}
	}

	tokenFile := filepath.Join(cfg.StateDir, "controlapi.token")
	var token string
	api, token, err = controlapi.New(controlapi.Options{
		Addr:      cfg.ControlAPIAddr,
		JWTSecret: cfg.JWTSecret,
		TokenFile: tokenFile,
	}, reader, sessions, engine, offlineSync, tradeLogPath)
	if err != nil {
		log.Fatalf("bridge: control api: %v", err)
	}
	log.Printf("bridge: control api bearer token (%d bytes) written to %s", len(token), tokenFile)

	glue = hostglue.New(hostglue.Options{
		AccountRefreshInterval: cfg.AccountRefreshInterval,
		HealthCheckInterval:    cfg.HealthCheckInterval,
		DiscoveryInterval:      cfg.DiscoveryInterval,
		HeartbeatPushThrottle:  cfg.HeartbeatPushThrottle,
	}, buildHostGlueDeps(cfg, ports, reader, sessions, engine, limits, api))

	go func() {
		log.Printf("bridge: control api listening on %s", cfg.ControlAPIAddr)
		if err := api.Start(); err != nil {
			log.Fatalf("bridge: control api: %v", err)
		}
	}()

	glue.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("bridge: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := fanout.RunAll(
		func() error { glue.Stop(); return nil },
		func() error { return api.Stop(shutdownCtx) },
	)
	for _, err := range errs {
		if err != nil {
			log.Printf("bridge: shutdown error: %v", err)
		}
	}
}

func buildHostGlueDeps(cfg *config.Config, ports *portmgr.Manager, reader *channelreader.Reader, sessions *session.Manager, engine *copier.Engine, limits *dailylimit.Tracker, api *controlapi.Server) hostglue.Deps {
	return hostglue.Deps{
		PublishSnapshots: func(ctx context.Context) {
			for id, sess := range sessions.All() {
				if sess.TerminalID == "" {
					continue
				}
				snap, ok := reader.Snapshot(sess.TerminalID)
				if !ok {
					continue
				}
				api.PublishSnapshot(snap)
				result := limits.CalculateDailyLimit(sess.AccountID, 5, dailylimit.Metrics{
					Balance: snap.Balance, Equity: snap.Equity, ServerTimeUnix: snap.Timestamp.Unix(),
				})
				if result.IsLimitBreached {
					log.Printf("bridge: daily limit breached for session %s (pnl=%.2f limit=%.2f)", id, result.CurrentDayPnL, result.DailyLimitPnL)
				}
			}
		},
		ConnectedSessionIDs:    sessions.ConnectedIDs,
		DisconnectedSessionIDs: sessions.DisconnectedIDs,
		IsSessionHealthy: func(sessionID string) bool {
			sess, ok := sessions.Get(sessionID)
			if !ok || sess.TerminalID == "" {
				return false
			}
			_, ok = reader.Snapshot(sess.TerminalID)
			return ok
		},
		MarkDisconnected: sessions.MarkDisconnected,
		RunDiscovery: func(ctx context.Context, force bool) []string {
			return reader.ScanAndConnect(ctx, force)
		},
		AutoCreateSession: func(terminalID string) {
			snap, ok := reader.Snapshot(terminalID)
			if !ok || snap.AccountID == "" {
				return
			}
			id := "auto-" + terminalID
			if _, exists := sessions.Get(id); exists {
				return
			}
			sessions.Connect(id, snap.AccountID, snap.Platform, domain.SessionLocal, domain.Credentials{}, true, terminalID)
			sessions.MarkConnected(id)
		},
		AttemptReconnect: func(sessionID string) bool {
			sess, ok := sessions.Get(sessionID)
			if !ok || sess.Credentials == nil || sess.TerminalID == "" {
				return false
			}
			snap, ok := reader.Snapshot(sess.TerminalID)
			if !ok || time.Since(snap.Timestamp) >= 30*time.Second {
				return false
			}
			match, found := sessions.MatchForReconnect(sess.Credentials.Login)
			if !found || match.ID != sessionID {
				return false
			}
			sessions.MarkConnected(sessionID)
			return true
		},
		PushHeartbeat: func(snap domain.AccountSnapshot) {
			api.PublishHealth(snap)
		},
	}
}
