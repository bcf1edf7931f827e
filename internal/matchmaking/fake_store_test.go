package matchmaking

import (
	"context"
	"sort"
	"sync"
	"time"

	"vidmatch-backend/internal/storage"
)

// fakeStore is an in-memory Store with the same conditional-update semantics
// as the Postgres layer: PairUsers re-checks both participants' states under
// the lock, so a contended candidate loses with storage.ErrCandidateTaken and
// a requester who was concurrently paired loses with storage.ErrRequesterTaken,
// exactly like the affected-rows checks do. MarkSearching likewise refuses to
// stomp an in_call row whose session is still live.
type fakeStore struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[int64]*storage.User
	sessions      map[int64]*storage.Session
	nextSessionID int64
}

func newFakeStore(now func() time.Time) *fakeStore {
	if now == nil {
		now = time.Now
	}
	return &fakeStore{
		now:      now,
		users:    make(map[int64]*storage.User),
		sessions: make(map[int64]*storage.Session),
	}
}

func (f *fakeStore) addUser(user storage.User) *storage.User {
	f.mu.Lock()
	defer f.mu.Unlock()

	u := user
	if u.VideoState == "" {
		u.VideoState = storage.VideoStateIdle
	}
	f.users[u.ID] = &u
	return &u
}

func (f *fakeStore) GetUser(ctx context.Context, userID int64) (*storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeStore) MarkSearching(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if user.VideoState == storage.VideoStateInCall && user.VideoSessionID != nil {
		if s := f.sessions[*user.VideoSessionID]; s != nil && s.EndedAt == nil {
			return storage.ErrRequesterTaken
		}
	}
	now := f.now()
	user.VideoState = storage.VideoStateSearching
	user.VideoStateUpdatedAt = &now
	user.VideoSessionID = nil
	user.VideoPartnerID = nil
	user.IsOnCall = false
	return nil
}

func (f *fakeStore) ResetVideoState(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	now := f.now()
	user.VideoState = storage.VideoStateIdle
	user.VideoStateUpdatedAt = &now
	user.VideoSessionID = nil
	user.VideoPartnerID = nil
	user.IsOnCall = false
	return nil
}

func (f *fakeStore) RecentPartnerIDs(ctx context.Context, userID int64, since time.Time) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[int64]bool)
	for _, s := range f.sessions {
		if s.Mode != storage.SessionModeVideo || s.CreatedAt.Before(since) {
			continue
		}
		if s.UserAID == userID {
			seen[s.UserBID] = true
		} else if s.UserBID == userID {
			seen[s.UserAID] = true
		}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeStore) FindCandidates(ctx context.Context, filter storage.CandidateFilter) ([]storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	excluded := make(map[int64]bool, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}

	var pool []storage.User
	for _, u := range f.users {
		switch {
		case u.ID == filter.RequesterID,
			u.IsOnCall,
			u.VideoState != storage.VideoStateSearching,
			u.LastActiveAt == nil || u.LastActiveAt.Before(filter.OnlineSince),
			u.VideoStateUpdatedAt == nil || u.VideoStateUpdatedAt.Before(filter.SearchingSince),
			filter.Gender != "" && u.Gender != filter.Gender,
			excluded[u.ID]:
			continue
		}
		pool = append(pool, *u)
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	if filter.Limit > 0 && len(pool) > filter.Limit {
		pool = pool[:filter.Limit]
	}
	return pool, nil
}

func (f *fakeStore) PairUsers(ctx context.Context, requesterID, candidateID int64) (*storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	candidate, ok := f.users[candidateID]
	if !ok || candidate.VideoState != storage.VideoStateSearching {
		return nil, storage.ErrCandidateTaken
	}
	requester, ok := f.users[requesterID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if requester.VideoState != storage.VideoStateSearching {
		return nil, storage.ErrRequesterTaken
	}

	f.nextSessionID++
	session := &storage.Session{
		ID:        f.nextSessionID,
		Mode:      storage.SessionModeVideo,
		UserAID:   requesterID,
		UserBID:   candidateID,
		CreatedAt: f.now(),
	}
	f.sessions[session.ID] = session

	now := f.now()
	for user, partnerID := range map[*storage.User]int64{candidate: requesterID, requester: candidateID} {
		sid := session.ID
		pid := partnerID
		user.VideoState = storage.VideoStateInCall
		user.VideoStateUpdatedAt = &now
		user.VideoSessionID = &sid
		user.VideoPartnerID = &pid
		user.IsOnCall = true
	}

	copied := *session
	return &copied, nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID int64) (*storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (f *fakeStore) EndSession(ctx context.Context, sessionID, endedByID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.sessions[sessionID]
	if !ok || session.EndedAt != nil {
		return storage.ErrSessionNotLive
	}

	now := f.now()
	endedBy := endedByID
	session.EndedAt = &now
	session.EndedByID = &endedBy

	for _, id := range []int64{session.UserAID, session.UserBID} {
		user, ok := f.users[id]
		if !ok || user.VideoSessionID == nil || *user.VideoSessionID != sessionID {
			continue
		}
		user.VideoState = storage.VideoStateIdle
		user.VideoStateUpdatedAt = &now
		user.VideoSessionID = nil
		user.VideoPartnerID = nil
		user.IsOnCall = false
	}
	return nil
}

// fakeClock pins the candidate-query cutoffs for tests.
type fakeClock struct {
	online    time.Time
	searching time.Time
}

func (c fakeClock) OnlineSince() time.Time    { return c.online }
func (c fakeClock) SearchingSince() time.Time { return c.searching }
