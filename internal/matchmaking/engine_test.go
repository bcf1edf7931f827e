package matchmaking

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidmatch-backend/internal/config"
	"vidmatch-backend/internal/storage"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testMatchCfg() config.MatchmakingConfig {
	return config.MatchmakingConfig{
		ExclusionWindow:    time.Hour,
		ClaimRetries:       3,
		CandidatePoolLimit: 50,
		CallDuration:       30 * time.Minute,
	}
}

func testClock() fakeClock {
	return fakeClock{
		online:    testNow.Add(-120 * time.Second),
		searching: testNow.Add(-35 * time.Second),
	}
}

func newTestEngine(store Store) *Engine {
	engine := NewEngine(store, testClock(), testMatchCfg(), rand.New(rand.NewSource(1)))
	engine.now = func() time.Time { return testNow }
	return engine
}

// searcher builds a user who is online, searching and fresh as of testNow.
func searcher(id int64, gender string, subscribed bool) storage.User {
	active := testNow.Add(-5 * time.Second)
	updated := testNow.Add(-5 * time.Second)
	return storage.User{
		ID:                  id,
		Name:                "user",
		Gender:              gender,
		Country:             "NL",
		IsSubscribed:        subscribed,
		LastActiveAt:        &active,
		VideoState:          storage.VideoStateSearching,
		VideoStateUpdatedAt: &updated,
	}
}

func TestFindCandidateRejectsInvalidPreference(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))

	engine := newTestEngine(store)
	_, err := engine.FindCandidate(context.Background(), requester, "aliens")
	assert.ErrorIs(t, err, ErrInvalidPreference)
}

func TestFreeTierMatchesSameGenderOnly(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, false))
	store.addUser(searcher(2, storage.GenderFemale, false))
	male := store.addUser(searcher(3, storage.GenderMale, false))

	engine := newTestEngine(store)

	// Whatever the free requester asks for, only the same gender comes back.
	for _, pref := range []string{PreferenceMale, PreferenceFemale, PreferenceBoth} {
		candidate, err := engine.FindCandidate(context.Background(), requester, pref)
		require.NoError(t, err)
		require.NotNil(t, candidate, "preference %s", pref)
		assert.Equal(t, male.ID, candidate.ID, "preference %s", pref)
	}
}

func TestSubscribedGetsPreference(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))
	female := store.addUser(searcher(2, storage.GenderFemale, false))
	store.addUser(searcher(3, storage.GenderMale, false))

	engine := newTestEngine(store)
	candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceFemale)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, female.ID, candidate.ID)
}

func TestSubscribedBothIsUnconstrained(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))
	store.addUser(searcher(2, storage.GenderFemale, false))
	store.addUser(searcher(3, storage.GenderMale, false))

	engine := newTestEngine(store)
	candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceBoth)
	require.NoError(t, err)
	require.NotNil(t, candidate)
}

func TestFreeCrossGenderIsUnconstrained(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderCross, false))
	female := store.addUser(searcher(2, storage.GenderFemale, false))

	engine := newTestEngine(store)
	candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceBoth)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, female.ID, candidate.ID)
}

func TestStaleAndBusyUsersAreNotCandidates(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))

	// Searching but stale: state refreshed outside the freshness window.
	staleSearcher := searcher(2, storage.GenderFemale, false)
	staleUpdated := testNow.Add(-40 * time.Second)
	staleSearcher.VideoStateUpdatedAt = &staleUpdated
	store.addUser(staleSearcher)

	// Fresh state but offline.
	offline := searcher(3, storage.GenderFemale, false)
	lastActive := testNow.Add(-10 * time.Minute)
	offline.LastActiveAt = &lastActive
	store.addUser(offline)

	// Already on a call.
	busy := searcher(4, storage.GenderFemale, false)
	busy.IsOnCall = true
	busy.VideoState = storage.VideoStateInCall
	store.addUser(busy)

	// Idle, never asked for a match.
	idle := searcher(5, storage.GenderFemale, false)
	idle.VideoState = storage.VideoStateIdle
	store.addUser(idle)

	engine := newTestEngine(store)
	candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceFemale)
	require.NoError(t, err)
	assert.Nil(t, candidate, "no-candidate is a normal outcome, not an error")
}

func TestLoopAvoidanceExcludesRecentPartner(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))
	recent := store.addUser(searcher(2, storage.GenderFemale, false))
	fresh := store.addUser(searcher(3, storage.GenderFemale, false))

	// Requester and user 2 were paired 10 minutes ago.
	created := testNow.Add(-10 * time.Minute)
	store.sessions[1] = &storage.Session{
		ID: 1, Mode: storage.SessionModeVideo,
		UserAID: requester.ID, UserBID: recent.ID,
		CreatedAt: created, EndedAt: &created,
	}

	engine := newTestEngine(store)
	for i := 0; i < 10; i++ {
		candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceFemale)
		require.NoError(t, err)
		require.NotNil(t, candidate)
		assert.Equal(t, fresh.ID, candidate.ID, "recent partner must not be re-picked while alternatives exist")
	}
}

func TestLoopAvoidanceRelaxesWhenPoolIsEmpty(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))
	recent := store.addUser(searcher(2, storage.GenderFemale, false))

	created := testNow.Add(-10 * time.Minute)
	store.sessions[1] = &storage.Session{
		ID: 1, Mode: storage.SessionModeVideo,
		UserAID: requester.ID, UserBID: recent.ID,
		CreatedAt: created, EndedAt: &created,
	}

	// Only the recent partner is eligible: relaxing beats leaving the
	// requester unmatched forever. A third party must never appear.
	engine := newTestEngine(store)
	candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceFemale)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, recent.ID, candidate.ID)
}

func TestOldPartnersFallOutOfExclusionWindow(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))
	old := store.addUser(searcher(2, storage.GenderFemale, false))
	other := store.addUser(searcher(3, storage.GenderFemale, false))

	created := testNow.Add(-2 * time.Hour)
	store.sessions[1] = &storage.Session{
		ID: 1, Mode: storage.SessionModeVideo,
		UserAID: requester.ID, UserBID: old.ID,
		CreatedAt: created, EndedAt: &created,
	}

	engine := newTestEngine(store)
	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceFemale)
		require.NoError(t, err)
		require.NotNil(t, candidate)
		seen[candidate.ID] = true
	}
	assert.True(t, seen[old.ID], "a partner from 2h ago is eligible again")
	assert.True(t, seen[other.ID])
}

func TestEmptyPoolReturnsNilNotError(t *testing.T) {
	store := newFakeStore(func() time.Time { return testNow })
	requester := store.addUser(searcher(1, storage.GenderMale, true))

	engine := newTestEngine(store)
	candidate, err := engine.FindCandidate(context.Background(), requester, PreferenceBoth)
	require.NoError(t, err)
	assert.Nil(t, candidate)
}
