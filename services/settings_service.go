package services

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"marketdata_engine/models"
)

// DefaultSettingsRefresh is how often the cached stream settings are
// re-read from the database.
const DefaultSettingsRefresh = 30 * time.Second

// StreamSettings is the read-only settings collaborator consumed by the
// live fan-out hub: a per-(client, symbol) stream_delta_seconds lookup.
// The table is polled on a refresh interval rather than push-invalidated,
// so a settings change takes effect within one refresh period.
type StreamSettings struct {
	db           *gorm.DB
	defaultDelta int
	refreshEvery time.Duration

	mu          sync.RWMutex
	cache       map[string]int // clientID|symbol
	lastRefresh time.Time
}

func NewStreamSettings(db *gorm.DB, defaultDelta int, refreshEvery time.Duration) *StreamSettings {
	if refreshEvery <= 0 {
		refreshEvery = DefaultSettingsRefresh
	}
	return &StreamSettings{
		db:           db,
		defaultDelta: defaultDelta,
		refreshEvery: refreshEvery,
		cache:        make(map[string]int),
	}
}

// DeltaSeconds returns the minimum delivery interval for one client and
// symbol, falling back to the configured default when no row exists.
func (s *StreamSettings) DeltaSeconds(clientID, symbol string) int {
	s.maybeRefresh()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if delta, ok := s.cache[clientID+"|"+symbol]; ok {
		return delta
	}
	return s.defaultDelta
}

// maybeRefresh reloads the whole settings table once per refresh period.
// The table is small (one row per client/symbol override), so a full
// reload is cheaper than tracking invalidations.
func (s *StreamSettings) maybeRefresh() {
	if s.db == nil {
		return
	}

	s.mu.RLock()
	fresh := time.Since(s.lastRefresh) < s.refreshEvery
	s.mu.RUnlock()
	if fresh {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring the write lock.
	if time.Since(s.lastRefresh) < s.refreshEvery {
		return
	}

	var rows []models.StreamSetting
	if err := s.db.Find(&rows).Error; err != nil {
		log.Printf("Error refreshing stream settings, keeping cached values: %v", err)
		s.lastRefresh = time.Now()
		return
	}

	cache := make(map[string]int, len(rows))
	for _, row := range rows {
		cache[row.ClientID+"|"+row.Symbol] = row.StreamDeltaSeconds
	}
	s.cache = cache
	s.lastRefresh = time.Now()
}
