package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log"

	"vidmatch-backend/internal/agora"
	"vidmatch-backend/internal/config"
	"vidmatch-backend/internal/storage"
)

var (
	// ErrNotParticipant is returned when a caller asks for credentials on
	// a session they are not part of.
	ErrNotParticipant = errors.New("caller is not a participant of this session")

	// ErrSessionEnded is returned on token reissue for a session that has
	// already been torn down.
	ErrSessionEnded = errors.New("session has ended")
)

// MatchResult is a successful pairing from the requester's point of view. A
// nil *MatchResult with a nil error means no candidate was available and the
// client should keep polling.
type MatchResult struct {
	Session *storage.Session
	Partner *storage.User

	AppID           string
	Channel         string
	UID             int64
	Token           string
	TokenExpireTS   int64
	DurationSeconds int
}

// TokenResult is a reissued credential for an existing session.
type TokenResult struct {
	AppID         string
	Channel       string
	UID           int64
	Token         string
	TokenExpireTS int64
}

// Service owns the session lifecycle: idempotent re-polls, atomic candidate
// claims with bounded retries, credential minting and idempotent teardown.
type Service struct {
	store  Store
	engine *Engine
	issuer *agora.Issuer
	cfg    config.MatchmakingConfig
}

func NewService(store Store, engine *Engine, issuer *agora.Issuer, cfg config.MatchmakingConfig) *Service {
	return &Service{
		store:  store,
		engine: engine,
		issuer: issuer,
		cfg:    cfg,
	}
}

// ChannelForSession derives the media channel name from the session id. Both
// sides derive the same name independently, so no extra coordination is
// needed.
func ChannelForSession(sessionID int64) string {
	return fmt.Sprintf("video_%d", sessionID)
}

// Match runs one poll of the matchmaking loop for the requester.
//
// A requester already in a live call gets the same session back unchanged,
// never a second session. Otherwise the requester is (re)marked searching,
// the engine proposes a candidate and the claim is attempted; a lost claim
// race is retried with a fresh candidate up to the configured bound before
// folding into the no-candidate result. The requester stays searching in that
// case and the next poll tries again.
func (s *Service) Match(ctx context.Context, requester *storage.User, preference string) (*MatchResult, error) {
	if err := ValidatePreference(preference); err != nil {
		return nil, err
	}

	// Idempotent re-poll: a second request racing the first response must
	// see the same session payload.
	result, err := s.existingResult(ctx, requester)
	if err != nil || result != nil {
		return result, err
	}

	// Marking searching on every poll refreshes video_state_updated_at,
	// which is what keeps this requester visible to other searchers. The
	// live-call guard inside refuses to stomp a pairing a concurrent poll
	// just committed; losing that race means the session already exists.
	if err := s.store.MarkSearching(ctx, requester.ID); err != nil {
		if errors.Is(err, storage.ErrRequesterTaken) {
			return s.refreshedResult(ctx, requester.ID)
		}
		return nil, err
	}

	retries := s.cfg.ClaimRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 1; attempt <= retries; attempt++ {
		candidate, err := s.engine.FindCandidate(ctx, requester, preference)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		session, err := s.store.PairUsers(ctx, requester.ID, candidate.ID)
		if errors.Is(err, storage.ErrCandidateTaken) {
			log.Printf("[MATCH] user %d lost claim race for candidate %d (attempt %d/%d)",
				requester.ID, candidate.ID, attempt, retries)
			continue
		}
		if errors.Is(err, storage.ErrRequesterTaken) {
			log.Printf("[MATCH] user %d already paired by a concurrent poll", requester.ID)
			return s.refreshedResult(ctx, requester.ID)
		}
		if err != nil {
			return nil, err
		}

		log.Printf("[MATCH] paired user %d with user %d in session %d",
			requester.ID, candidate.ID, session.ID)
		return s.buildResult(requester, session, candidate)
	}

	// Retries exhausted: transient concurrency loss folds into the normal
	// empty result, never a client-visible error.
	return nil, nil
}

// SessionToken reissues a fresh join token for a live session the caller
// participates in.
func (s *Service) SessionToken(ctx context.Context, caller *storage.User, sessionID int64) (*TokenResult, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(caller.ID) {
		return nil, ErrNotParticipant
	}
	if !session.Live() {
		return nil, ErrSessionEnded
	}

	channel := ChannelForSession(session.ID)
	token, expireTS, err := s.issuer.IssueForUID(channel, caller.ID)
	if err != nil {
		return nil, err
	}

	return &TokenResult{
		AppID:         s.issuer.AppID(),
		Channel:       channel,
		UID:           caller.ID,
		Token:         token,
		TokenExpireTS: expireTS,
	}, nil
}

// End tears the caller's session down. With a resolvable session id where
// the caller is a participant, the session is stamped ended and both sides
// are released; otherwise only the caller's own state is reset. Safe to call
// repeatedly and with stale or foreign session ids.
func (s *Service) End(ctx context.Context, caller *storage.User, sessionID *int64) error {
	if sessionID != nil {
		session, err := s.store.GetSession(ctx, *sessionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if session.HasParticipant(caller.ID) {
			err := s.store.EndSession(ctx, session.ID, caller.ID)
			if err == nil {
				log.Printf("[END] user %d ended session %d", caller.ID, session.ID)
				return nil
			}
			if !errors.Is(err, storage.ErrSessionNotLive) {
				return err
			}
			// Already ended by the other side: a repeated end is a
			// no-op success.
		}
	}

	return s.store.ResetVideoState(ctx, caller.ID)
}

// existingResult returns the requester's current live session as a match
// payload, or nil when they are not bound to one. A dangling in_call pointer
// (session ended or missing) also yields nil so the caller searches again.
func (s *Service) existingResult(ctx context.Context, requester *storage.User) (*MatchResult, error) {
	if requester.VideoState != storage.VideoStateInCall || requester.VideoSessionID == nil {
		return nil, nil
	}

	session, err := s.store.GetSession(ctx, *requester.VideoSessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if !session.Live() || !session.HasParticipant(requester.ID) {
		return nil, nil
	}

	partner, err := s.store.GetUser(ctx, session.PartnerOf(requester.ID))
	if err != nil {
		return nil, err
	}
	return s.buildResult(requester, session, partner)
}

// refreshedResult re-reads the requester after losing a same-user race and
// returns whatever session the concurrent poll established.
func (s *Service) refreshedResult(ctx context.Context, userID int64) (*MatchResult, error) {
	fresh, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.existingResult(ctx, fresh)
}

func (s *Service) buildResult(requester *storage.User, session *storage.Session, partner *storage.User) (*MatchResult, error) {
	channel := ChannelForSession(session.ID)
	token, expireTS, err := s.issuer.IssueForUID(channel, requester.ID)
	if err != nil {
		return nil, err
	}

	return &MatchResult{
		Session:         session,
		Partner:         partner,
		AppID:           s.issuer.AppID(),
		Channel:         channel,
		UID:             requester.ID,
		Token:           token,
		TokenExpireTS:   expireTS,
		DurationSeconds: int(s.cfg.CallDuration.Seconds()),
	}, nil
}
