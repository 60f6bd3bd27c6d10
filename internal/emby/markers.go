package emby

import (
	"sync"
	"time"
)

// DefaultMarkerWindow is how long a self-update marker suppresses webhook
// handling for the marked user.
const DefaultMarkerWindow = 30 * time.Second

// SelfUpdateMarkers records users this process has just mutated on the
// Media Server, so webhooks triggered by our own writes can be ignored.
type SelfUpdateMarkers struct {
	mu     sync.Mutex
	marks  map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewSelfUpdateMarkers creates a marker map with the given window.
func NewSelfUpdateMarkers(window time.Duration) *SelfUpdateMarkers {
	if window <= 0 {
		window = DefaultMarkerWindow
	}
	return &SelfUpdateMarkers{
		marks:  make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Mark records that this process is about to mutate the given user.
func (m *SelfUpdateMarkers) Mark(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[userID] = m.now()
}

// ShouldIgnore reports whether an incoming user-updated event for userID
// falls inside the suppression window. Expired marks are pruned.
func (m *SelfUpdateMarkers) ShouldIgnore(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	marked, ok := m.marks[userID]
	if !ok {
		return false
	}
	if m.now().Sub(marked) > m.window {
		delete(m.marks, userID)
		return false
	}
	return true
}
