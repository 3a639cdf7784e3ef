package copier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedgeedge/internal/domain"
	"hedgeedge/internal/persistence"
)

// Commander is the subset of channelreader.Reader the engine needs to issue
// commands and read cached snapshots. Declared here (not imported from
// channelreader) so copier has no dependency on the transport layer; it is
// satisfied structurally.
type Commander interface {
	SendCommand(ctx context.Context, terminalID string, cmd domain.Command) domain.CommandResult
	Snapshot(terminalID string) (domain.AccountSnapshot, bool)
}

// Options configures one Engine.
type Options struct {
	CorrelationsPath       string
	GroupsPath             string
	FollowerStatsPath      string
	PersistDebounce        time.Duration
	CircuitBreakerThreshold int
	DefaultMagic           int
	// OnCircuitBreakerTrip is called whenever a follower's consecutive
	// failures cross CircuitBreakerThreshold, in addition to the activity
	// log entry, so the host can be notified out-of-band (spec §4.8 step 8,
	// §7 "copyError{circuitBreakerActive:true}"). May be nil.
	OnCircuitBreakerTrip func(groupID, followerID string)
}

// Engine is the CopierEngine: event handlers, correlation tracking, stats,
// activity log and the reverse-hedge invariant enforcement.
type Engine struct {
	opts      Options
	commander Commander

	groupsMu sync.RWMutex
	groups   map[string]domain.CopierGroup
	groupStore *persistence.Store[map[string]domain.CopierGroup]

	corrMu      sync.Mutex
	correlations map[string][]domain.CorrelationEntry // leaderTicket -> entries
	corrStore   *persistence.Store[map[string][]domain.CorrelationEntry]

	// statsStore mirrors each follower's Stats out of groups into its own
	// {followerId: FollowerStats} file (spec §6.4); groups remains the
	// source of truth, this is a derived, queryable projection.
	statsStore *persistence.Store[map[string]domain.FollowerStats]

	locks sync.Map // key "followerID|leaderTicket" -> *sync.Mutex

	activity *activityLog
}

// New constructs an Engine, loading persisted groups and correlations.
func New(opts Options, commander Commander) (*Engine, error) {
	if opts.CircuitBreakerThreshold <= 0 {
		opts.CircuitBreakerThreshold = 3
	}
	if opts.DefaultMagic == 0 {
		opts.DefaultMagic = 123456
	}
	groupStore, err := persistence.NewStore[map[string]domain.CopierGroup](opts.GroupsPath, opts.PersistDebounce)
	if err != nil {
		return nil, err
	}
	corrStore, err := persistence.NewStore[map[string][]domain.CorrelationEntry](opts.CorrelationsPath, opts.PersistDebounce)
	if err != nil {
		return nil, err
	}
	statsStore, err := persistence.NewStore[map[string]domain.FollowerStats](opts.FollowerStatsPath, opts.PersistDebounce)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		opts: opts, commander: commander,
		groups: groupStore.Get(), groupStore: groupStore,
		correlations: corrStore.Get(), corrStore: corrStore,
		statsStore: statsStore,
		activity: newActivityLog(),
	}
	if e.groups == nil {
		e.groups = make(map[string]domain.CopierGroup)
	}
	if e.correlations == nil {
		e.correlations = make(map[string][]domain.CorrelationEntry)
	}
	return e, nil
}

// UpsertGroup adds or replaces a copier group definition.
func (e *Engine) UpsertGroup(g domain.CopierGroup) {
	e.groupsMu.Lock()
	e.groups[g.ID] = g
	e.groupsMu.Unlock()
	e.persistGroups()
	e.persistFollowerStats()
}

func (e *Engine) persistGroups() {
	e.groupsMu.RLock()
	snapshot := make(map[string]domain.CopierGroup, len(e.groups))
	for k, v := range e.groups {
		snapshot[k] = v
	}
	e.groupsMu.RUnlock()
	e.groupStore.Set(snapshot)
}

func (e *Engine) persistCorrelations() {
	e.corrMu.Lock()
	snapshot := make(map[string][]domain.CorrelationEntry, len(e.correlations))
	for k, v := range e.correlations {
		snapshot[k] = append([]domain.CorrelationEntry(nil), v...)
	}
	e.corrMu.Unlock()
	e.corrStore.Set(snapshot)
}

// pairLock returns the mutex serializing copies for one (follower,
// leaderTicket) pair (spec §4.8 step 9).
func (e *Engine) pairLock(followerID, leaderTicket string) *sync.Mutex {
	key := followerID + "|" + leaderTicket
	v, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// groupsByLeader returns every active group whose leader terminal matches.
func (e *Engine) groupsByLeader(terminalID string) []domain.CopierGroup {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()
	var out []domain.CopierGroup
	for _, g := range e.groups {
		if g.Active && g.LeaderTerminal == terminalID {
			out = append(out, g)
		}
	}
	return out
}

// PositionOpened handles a leader's POSITION_OPENED event, copying it to
// every eligible follower under the fixed reverse-hedge rule (spec §4.8
// "positionOpened").
func (e *Engine) PositionOpened(ctx context.Context, terminalID string, pos domain.Position) {
	for _, group := range e.groupsByLeader(terminalID) {
		for _, follower := range group.Followers {
			if !follower.Active || follower.IsSlaveTerminal {
				continue
			}
			e.copyOpen(ctx, group, follower, pos, pos.Magic)
		}
	}
}

func (e *Engine) copyOpen(ctx context.Context, group domain.CopierGroup, follower domain.FollowerConfig, pos domain.Position, magic int) {
	lock := e.pairLock(follower.ID, pos.ID)
	lock.Lock()
	defer lock.Unlock()

	if !magicAllowed(follower, magic) {
		return
	}
	symbol, ok := mapSymbol(group, follower, pos.Symbol)
	if !ok {
		return
	}
	e.groupsMu.RLock()
	failures := e.currentFollowerLocked(group.ID, follower.ID).ConsecutiveFailures
	e.groupsMu.RUnlock()
	if failures >= e.opts.CircuitBreakerThreshold {
		return
	}

	volume := normalizeVolume(pos.Volume, follower.LotMultiplier)
	if volume <= 0 {
		return
	}
	side := pos.Side.Opposite() // reverse mode is enforced, never user-toggleable

	start := time.Now()
	res := e.commander.SendCommand(ctx, follower.TerminalID, domain.Command{
		Action: domain.CmdOpenPosition, Symbol: symbol, Side: side, Volume: volume,
		Magic: magic, Comment: fmt.Sprintf("HE Copy %s", pos.ID), SL: 0, TP: 0,
	})
	latency := time.Since(start).Milliseconds()

	if res.Success {
		ticket, _ := res.Payload["ticket"].(string)
		e.recordCorrelation(domain.CorrelationEntry{
			LeaderTicket: pos.ID, FollowerTicket: ticket, FollowerID: follower.ID,
			FollowerAccount: follower.AccountID, GroupID: group.ID, Symbol: symbol,
			Side: side, Volume: volume, OpenTime: time.Now(),
		})
		e.updateFollowerStats(group.ID, follower.ID, func(s *domain.FollowerStats, f *domain.FollowerConfig) {
			f.ConsecutiveFailures = 0
			s.TradesTotal++
			s.TradesToday++
			s.LastTradeAt = time.Now()
			s.AvgLatencyMs = rollingMean(s.AvgLatencyMs, float64(latency), s.TradesTotal)
			s.SuccessRate = successRate(s.TradesTotal, s.FailedCopies)
		})
		e.activity.add(domain.ActivityEntry{
			GroupID: group.ID, FollowerID: follower.ID, Timestamp: time.Now(), Type: domain.ActivityOpen,
			Symbol: symbol, Action: string(side), Volume: volume, LatencyMs: latency, Status: "success",
		})
		return
	}

	var breached bool
	e.updateFollowerStats(group.ID, follower.ID, func(s *domain.FollowerStats, f *domain.FollowerConfig) {
		f.ConsecutiveFailures++
		s.FailedCopies++
		s.SuccessRate = successRate(s.TradesTotal, s.FailedCopies)
		breached = f.ConsecutiveFailures >= e.opts.CircuitBreakerThreshold
	})
	e.activity.add(domain.ActivityEntry{
		GroupID: group.ID, FollowerID: follower.ID, Timestamp: time.Now(), Type: domain.ActivityError,
		Symbol: symbol, Action: string(side), Volume: volume, LatencyMs: latency, Status: "failed", ErrorMessage: res.Error,
	})
	if breached {
		e.activity.add(domain.ActivityEntry{
			GroupID: group.ID, FollowerID: follower.ID, Timestamp: time.Now(), Type: domain.ActivityError,
			Status: "circuitBreakerActive", ErrorMessage: "consecutive failures exceeded threshold",
		})
		if e.opts.OnCircuitBreakerTrip != nil {
			e.opts.OnCircuitBreakerTrip(group.ID, follower.ID)
		}
	}
}

func rollingMean(prevMean, sample float64, count int) float64 {
	if count <= 1 {
		return sample
	}
	return prevMean + (sample-prevMean)/float64(count)
}

func successRate(total, failed int) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-failed) / float64(total) * 100
}

func (e *Engine) currentFollowerLocked(groupID, followerID string) domain.FollowerConfig {
	g := e.groups[groupID]
	for _, f := range g.Followers {
		if f.ID == followerID {
			return f
		}
	}
	return domain.FollowerConfig{}
}

func (e *Engine) updateFollowerStats(groupID, followerID string, fn func(*domain.FollowerStats, *domain.FollowerConfig)) {
	e.groupsMu.Lock()
	g, ok := e.groups[groupID]
	if ok {
		for i := range g.Followers {
			if g.Followers[i].ID == followerID {
				fn(&g.Followers[i].Stats, &g.Followers[i])
				break
			}
		}
		e.groups[groupID] = g
	}
	e.groupsMu.Unlock()
	e.persistGroups()
	e.persistFollowerStats()
}

// persistFollowerStats mirrors every follower's Stats into the
// {followerId: FollowerStats} projection spec §6.4 names separately from
// the groups file.
func (e *Engine) persistFollowerStats() {
	e.groupsMu.RLock()
	snapshot := make(map[string]domain.FollowerStats)
	for _, g := range e.groups {
		for _, f := range g.Followers {
			snapshot[f.ID] = f.Stats
		}
	}
	e.groupsMu.RUnlock()
	e.statsStore.Set(snapshot)
}

func (e *Engine) recordCorrelation(entry domain.CorrelationEntry) {
	e.corrMu.Lock()
	e.correlations[entry.LeaderTicket] = append(e.correlations[entry.LeaderTicket], entry)
	e.corrMu.Unlock()
	e.persistCorrelations()
}

// PositionClosed handles a leader's POSITION_CLOSED event (spec §4.8
// "positionClosed"), plus the autonomous-follower-close case where the
// terminal itself is a follower account reporting its own exit.
func (e *Engine) PositionClosed(ctx context.Context, terminalID string, ev domain.Event) {
	if ev.Entry == domain.EntryOut {
		if e.creditAutonomousFollowerClose(terminalID, ev) {
			return
		}
	}
	if ev.Position == nil {
		return
	}
	leaderTicket := ev.Position.ID

	e.corrMu.Lock()
	entries := e.correlations[leaderTicket]
	delete(e.correlations, leaderTicket)
	e.corrMu.Unlock()
	e.persistCorrelations()
	e.corrStore.Flush()

	for _, entry := range entries {
		e.groupsMu.RLock()
		termID := e.currentFollowerLocked(entry.GroupID, entry.FollowerID).TerminalID
		e.groupsMu.RUnlock()

		snap, _ := e.commander.Snapshot(termID)
		var followerProfit float64
		if p, ok := snap.PositionByID(entry.FollowerTicket); ok {
			followerProfit = p.NetProfit()
		}

		start := time.Now()
		res := e.commander.SendCommand(ctx, termID, domain.Command{Action: domain.CmdClosePosition, PositionID: entry.FollowerTicket})
		latency := time.Since(start).Milliseconds()

		e.updateFollowerStats(entry.GroupID, entry.FollowerID, func(s *domain.FollowerStats, f *domain.FollowerConfig) {
			s.TotalProfit += followerProfit
		})
		status := "success"
		errMsg := ""
		if !res.Success {
			status = "failed"
			errMsg = res.Error
		}
		e.activity.add(domain.ActivityEntry{
			GroupID: entry.GroupID, FollowerID: entry.FollowerID, Timestamp: time.Now(), Type: domain.ActivityClose,
			Symbol: entry.Symbol, Volume: entry.Volume, LatencyMs: latency, Status: status, ErrorMessage: errMsg,
		})
	}
}

// creditAutonomousFollowerClose handles a follower terminal closing its own
// mirrored position outside of a leader-driven close (spec §4.8 step 1).
func (e *Engine) creditAutonomousFollowerClose(terminalID string, ev domain.Event) bool {
	if ev.Position == nil {
		return false
	}
	groupID, followerID, ok := e.findFollowerByTerminal(terminalID)
	if !ok {
		return false
	}
	profit := ev.Position.NetProfit()
	e.updateFollowerStats(groupID, followerID, func(s *domain.FollowerStats, f *domain.FollowerConfig) {
		s.TotalProfit += profit
	})
	e.activity.add(domain.ActivityEntry{
		GroupID: groupID, FollowerID: followerID, Timestamp: time.Now(), Type: domain.ActivityClose,
		Symbol: ev.Position.Symbol, Volume: ev.Position.Volume, Status: "autonomous",
	})
	return true
}

func (e *Engine) findFollowerByTerminal(terminalID string) (groupID, followerID string, ok bool) {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()
	for _, g := range e.groups {
		for _, f := range g.Followers {
			if f.TerminalID == terminalID {
				return g.ID, f.ID, true
			}
		}
	}
	return "", "", false
}

// GetHedgePnLByLeader sums realised and floating P/L across every follower
// of every group attached to a leader account (spec §4.8.6).
func (e *Engine) GetHedgePnLByLeader() map[string]float64 {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()
	out := make(map[string]float64)
	for _, g := range e.groups {
		var total float64
		for _, f := range g.Followers {
			total += f.Stats.TotalProfit
			snap, ok := e.commander.Snapshot(f.TerminalID)
			if !ok {
				continue
			}
			for _, p := range snap.Positions {
				total += p.NetProfit()
			}
		}
		out[g.LeaderAccount] += total
	}
	return out
}

// Activity returns the in-memory ring buffer's current contents.
func (e *Engine) Activity() []domain.ActivityEntry {
	return e.activity.Recent()
}

// Groups returns every configured copier group, for the control API's
// GET /copier/groups listing.
func (e *Engine) Groups() []domain.CopierGroup {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()
	out := make([]domain.CopierGroup, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g)
	}
	return out
}

// ResetCircuitBreaker clears a follower's consecutive-failure counter,
// letting it resume copying after an operator has addressed the underlying
// problem (spec §4.11 "reset-circuit-breaker"). It searches every group
// since the control API addresses followers by id alone.
func (e *Engine) ResetCircuitBreaker(followerID string) bool {
	found := false
	e.groupsMu.Lock()
	for gi := range e.groups {
		g := e.groups[gi]
		for fi := range g.Followers {
			if g.Followers[fi].ID == followerID {
				g.Followers[fi].ConsecutiveFailures = 0
				found = true
			}
		}
		e.groups[gi] = g
	}
	e.groupsMu.Unlock()
	if found {
		e.persistGroups()
	}
	return found
}

// FollowerLookup resolves a bare follower id (as the control surface
// addresses it) to its owning group and account id, for collaborators like
// OfflineSync that need both to replay a terminal's trade log.
func (e *Engine) FollowerLookup(followerID string) (groupID, accountID string, ok bool) {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()
	for _, g := range e.groups {
		for _, f := range g.Followers {
			if f.ID == followerID {
				return g.ID, f.AccountID, true
			}
		}
	}
	return "", "", false
}

// Shutdown flushes correlations and group state to disk (spec §4.8.3
// "graceful shutdown()").
func (e *Engine) Shutdown() {
	e.corrStore.Flush()
	e.groupStore.Flush()
	e.statsStore.Flush()
	e.corrStore.Close()
	e.groupStore.Close()
	e.statsStore.Close()
}
