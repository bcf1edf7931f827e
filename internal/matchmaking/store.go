package matchmaking

import (
	"context"
	"time"

	"vidmatch-backend/internal/storage"
)

// Store is the storage surface the matchmaking core needs. All correctness
// under concurrent pollers comes from the store's atomic conditional updates
// (PairUsers, EndSession); the service itself holds no locks because handler
// instances are not guaranteed to share a process.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*storage.User, error)
	MarkSearching(ctx context.Context, userID int64) error
	ResetVideoState(ctx context.Context, userID int64) error

	RecentPartnerIDs(ctx context.Context, userID int64, since time.Time) ([]int64, error)
	FindCandidates(ctx context.Context, filter storage.CandidateFilter) ([]storage.User, error)

	// PairUsers claims the candidate with a conditional update and creates
	// the session atomically, returning storage.ErrCandidateTaken when a
	// concurrent request won the claim.
	PairUsers(ctx context.Context, requesterID, candidateID int64) (*storage.Session, error)

	GetSession(ctx context.Context, sessionID int64) (*storage.Session, error)

	// EndSession stamps the session ended and releases both participants,
	// returning storage.ErrSessionNotLive if it was already ended.
	EndSession(ctx context.Context, sessionID, endedByID int64) error
}
