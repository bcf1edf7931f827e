package presence

import (
	"context"
	"log"
	"time"

	"vidmatch-backend/internal/config"
	"vidmatch-backend/internal/storage"
)

// TouchStore writes the heartbeat timestamp to the source of truth.
type TouchStore interface {
	TouchLastActive(ctx context.Context, userID int64) error
}

// Throttle gates how often a user's heartbeat is written through. Backed by
// expiring Redis keys so the throttle survives across handler instances.
type Throttle interface {
	ClaimTouch(ctx context.Context, userID int64, ttl time.Duration) (bool, error)
}

// Tracker approximates "is this user actually here" from heartbeat
// timestamps. There is no push channel: a client proves liveness by polling,
// and the windows below bound how long we trust the last proof.
type Tracker struct {
	store    TouchStore
	throttle Throttle
	windows  config.PresenceConfig

	now func() time.Time
}

func NewTracker(store TouchStore, throttle Throttle, windows config.PresenceConfig) *Tracker {
	return &Tracker{
		store:    store,
		throttle: throttle,
		windows:  windows,
		now:      time.Now,
	}
}

// Touch records user activity, writing at most once per touch interval.
// Presence updates must never block or fail a request: a Redis outage
// degrades to writing through, and write errors are only logged.
func (t *Tracker) Touch(ctx context.Context, userID int64) {
	fresh, err := t.throttle.ClaimTouch(ctx, userID, t.windows.TouchInterval)
	if err != nil {
		log.Printf("[PRESENCE] touch throttle unavailable for user %d, writing through: %v", userID, err)
		fresh = true
	}
	if !fresh {
		return
	}

	if err := t.store.TouchLastActive(ctx, userID); err != nil {
		log.Printf("[PRESENCE] failed to record heartbeat for user %d: %v", userID, err)
	}
}

// IsOnline reports whether the user's last heartbeat is within the online
// window.
func (t *Tracker) IsOnline(user *storage.User) bool {
	if user == nil || user.LastActiveAt == nil {
		return false
	}
	return t.now().Sub(*user.LastActiveAt) <= t.windows.OnlineWindow
}

// IsSearchingFresh reports whether the user is searching and the state was
// refreshed recently enough to trust. A stale searching row means the client
// stopped polling and must not be matchable.
func (t *Tracker) IsSearchingFresh(user *storage.User) bool {
	if user == nil || user.VideoState != storage.VideoStateSearching || user.VideoStateUpdatedAt == nil {
		return false
	}
	return t.now().Sub(*user.VideoStateUpdatedAt) <= t.windows.SearchingFreshWindow
}

// OnlineSince returns the cutoff for the candidate query's online filter.
func (t *Tracker) OnlineSince() time.Time {
	return t.now().Add(-t.windows.OnlineWindow)
}

// SearchingSince returns the cutoff for the candidate query's freshness
// filter.
func (t *Tracker) SearchingSince() time.Time {
	return t.now().Add(-t.windows.SearchingFreshWindow)
}
