package matchmaking

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"vidmatch-backend/internal/config"
	"vidmatch-backend/internal/storage"
)

// Preference values accepted from clients.
const (
	PreferenceMale   = "male"
	PreferenceFemale = "female"
	PreferenceBoth   = "both"
)

// ErrInvalidPreference rejects anything outside male/female/both.
var ErrInvalidPreference = errors.New("preference must be 'male', 'female' or 'both'")

// Clock supplies the candidate-query time cutoffs, normally the presence
// tracker.
type Clock interface {
	OnlineSince() time.Time
	SearchingSince() time.Time
}

// Engine selects at most one candidate for a requester under the tiered
// gender rules. Selection is uniformly random over the eligible pool using an
// injectable RNG, so tests can seed it.
type Engine struct {
	store Store
	clock Clock
	cfg   config.MatchmakingConfig

	mu  sync.Mutex // guards rng; rand.Rand is not safe for concurrent use
	rng *rand.Rand

	now func() time.Time
}

func NewEngine(store Store, clock Clock, cfg config.MatchmakingConfig, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		store: store,
		clock: clock,
		cfg:   cfg,
		rng:   rng,
		now:   time.Now,
	}
}

// ValidatePreference rejects unknown preference values before any matching
// logic runs.
func ValidatePreference(preference string) error {
	switch preference {
	case PreferenceMale, PreferenceFemale, PreferenceBoth:
		return nil
	}
	return ErrInvalidPreference
}

// desiredGender computes the gender constraint for the pool query.
//
// Subscribed requesters get their stated preference. Free-tier requesters are
// gender-restricted to their own gender; a cross or unset gender leaves the
// free tier unconstrained.
func desiredGender(requester *storage.User, preference string) string {
	if requester.IsSubscribed {
		if preference == PreferenceMale || preference == PreferenceFemale {
			return preference
		}
		return ""
	}
	if requester.Gender == storage.GenderMale || requester.Gender == storage.GenderFemale {
		return requester.Gender
	}
	return ""
}

// FindCandidate proposes at most one candidate for the requester. A nil user
// with a nil error means nobody is currently eligible, which is a normal
// outcome, not a failure.
//
// Loop avoidance excludes partners matched within the exclusion window, but
// is relaxed when it would leave the requester unmatched: re-pairing the same
// two people beats matching nobody.
func (e *Engine) FindCandidate(ctx context.Context, requester *storage.User, preference string) (*storage.User, error) {
	if err := ValidatePreference(preference); err != nil {
		return nil, err
	}

	exclude, err := e.store.RecentPartnerIDs(ctx, requester.ID, e.now().Add(-e.cfg.ExclusionWindow))
	if err != nil {
		return nil, err
	}

	filter := storage.CandidateFilter{
		RequesterID:    requester.ID,
		Gender:         desiredGender(requester, preference),
		ExcludeIDs:     exclude,
		OnlineSince:    e.clock.OnlineSince(),
		SearchingSince: e.clock.SearchingSince(),
		Limit:          e.cfg.CandidatePoolLimit,
	}

	pool, err := e.store.FindCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}

	if len(pool) == 0 && len(filter.ExcludeIDs) > 0 {
		log.Printf("[ENGINE] no candidates for user %d outside exclusion set (%d excluded), relaxing loop avoidance",
			requester.ID, len(filter.ExcludeIDs))
		filter.ExcludeIDs = nil
		pool, err = e.store.FindCandidates(ctx, filter)
		if err != nil {
			return nil, err
		}
	}

	if len(pool) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	pick := e.rng.Intn(len(pool))
	e.mu.Unlock()

	candidate := pool[pick]
	return &candidate, nil
}
