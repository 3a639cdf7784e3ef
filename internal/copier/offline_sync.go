package copier

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"hedgeedge/internal/domain"
	"hedgeedge/internal/persistence"
)

// tradeLogEntry is one line of a terminal's append-only JSONL trade log.
type tradeLogEntry struct {
	Event          string  `json:"event"`
	TimestampUnix  int64   `json:"timestampUnix"`
	AccountID      string  `json:"accountId"`
	Profit         float64 `json:"profit"`
	Swap           float64 `json:"swap"`
	Commission     float64 `json:"commission"`
}

// watermarks maps accountId -> lastProcessedTimestampUnix, persisted with
// the engine's debounce interval (spec §4.8.5).
type watermarkStore = persistence.Store[map[string]int64]

// OfflineSync replays a follower's append-only trade log on start,
// crediting any COPY_CLOSE entries newer than the persisted watermark that
// were missed while the core was offline.
type OfflineSync struct {
	watermarks *watermarkStore
	engine     *Engine
}

// NewOfflineSync loads the watermark file at path.
func NewOfflineSync(path string, debounce time.Duration, engine *Engine) (*OfflineSync, error) {
	store, err := persistence.NewStore[map[string]int64](path, debounce)
	if err != nil {
		return nil, err
	}
	if store.Get() == nil {
		store.Set(make(map[string]int64))
	}
	return &OfflineSync{watermarks: store, engine: engine}, nil
}

// Sync replays logPath for accountID, crediting COPY_CLOSE entries newer
// than the stored watermark and advancing it. Malformed lines are skipped
// silently, matching the terminal-side writer's best-effort append
// semantics.
func (s *OfflineSync) Sync(accountID, followerID, groupID, logPath string) error {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	watermark := s.watermarks.Get()[accountID]
	newWatermark := watermark

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry tradeLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Event != "COPY_CLOSE" || entry.TimestampUnix <= watermark {
			continue
		}
		profit := entry.Profit + entry.Swap + entry.Commission
		s.engine.updateFollowerStats(groupID, followerID, func(fs *domain.FollowerStats, fc *domain.FollowerConfig) {
			fs.TotalProfit += profit
			fs.TradesTotal++
			fs.TradesToday++
		})
		s.engine.activity.add(domain.ActivityEntry{
			GroupID: groupID, FollowerID: followerID, Timestamp: time.Unix(entry.TimestampUnix, 0),
			Type: domain.ActivityClose, Status: "offlineSync",
		})
		if entry.TimestampUnix > newWatermark {
			newWatermark = entry.TimestampUnix
		}
	}

	if newWatermark != watermark {
		s.watermarks.Update(func(m map[string]int64) map[string]int64 {
			if m == nil {
				m = make(map[string]int64)
			}
			m[accountID] = newWatermark
			return m
		})
	}
	return nil
}

// Close flushes the watermark store.
func (s *OfflineSync) Close() {
	s.watermarks.Close()
}
