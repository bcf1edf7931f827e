package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a user or session row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCandidateTaken is returned by PairUsers when the candidate's
	// conditional claim affected zero rows, i.e. a concurrent request
	// already moved the candidate out of the searching state.
	ErrCandidateTaken = errors.New("candidate already claimed")

	// ErrRequesterTaken is returned when the requester's own conditional
	// transition affected zero rows: a concurrent poll from the same user
	// already bound them to a live call. Callers resolve it by re-reading
	// the requester and returning that session.
	ErrRequesterTaken = errors.New("requester no longer searching")

	// ErrSessionNotLive is returned by EndSession when the session was
	// already ended (or never existed). Callers treat this as a signal to
	// fall back, not as a failure.
	ErrSessionNotLive = errors.New("session is not live")
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MaxConnIdleTime = 30 * time.Minute
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

const userColumns = `
	id, name, gender, country, COALESCE(description, ''), COALESCE(image_url, ''),
	is_subscribed, last_active_at,
	video_state, video_state_updated_at, video_session_id, video_partner_id, is_on_call,
	created_at`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.Name, &user.Gender, &user.Country, &user.Description, &user.ImageURL,
		&user.IsSubscribed, &user.LastActiveAt,
		&user.VideoState, &user.VideoStateUpdatedAt, &user.VideoSessionID, &user.VideoPartnerID, &user.IsOnCall,
		&user.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *PostgresDB) GetUser(ctx context.Context, userID int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(db.pool.QueryRow(ctx, query, userID))
}

// TouchLastActive stamps the presence heartbeat. Throttling happens in the
// presence tracker, not here.
func (db *PostgresDB) TouchLastActive(ctx context.Context, userID int64) error {
	query := `UPDATE users SET last_active_at = NOW() WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, userID)
	return err
}

// MarkSearching moves the user into the searching state and refreshes the
// state timestamp. Called on every match poll: the poll is the heartbeat that
// keeps a searcher fresh.
//
// The guard refuses to stomp an in_call row whose session is still live, so a
// poll racing its own successful pairing cannot knock the user out of the call
// it just entered. A dangling in_call pointer (session ended or missing) is
// still demoted. Zero affected rows surfaces as ErrRequesterTaken.
func (db *PostgresDB) MarkSearching(ctx context.Context, userID int64) error {
	query := `
		UPDATE users
		SET video_state = $2, video_state_updated_at = NOW(),
		    video_session_id = NULL, video_partner_id = NULL, is_on_call = FALSE
		WHERE id = $1 AND NOT (video_state = $3 AND EXISTS (
			SELECT 1 FROM chat_sessions s
			WHERE s.id = users.video_session_id AND s.ended_at IS NULL
		))`

	tag, err := db.pool.Exec(ctx, query, userID, VideoStateSearching, VideoStateInCall)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequesterTaken
	}
	return nil
}

// ResetVideoState puts the user back to idle and clears all call bookkeeping.
func (db *PostgresDB) ResetVideoState(ctx context.Context, userID int64) error {
	query := `
		UPDATE users
		SET video_state = $2, video_state_updated_at = NOW(),
		    video_session_id = NULL, video_partner_id = NULL, is_on_call = FALSE
		WHERE id = $1`

	_, err := db.pool.Exec(ctx, query, userID, VideoStateIdle)
	return err
}

// RecentPartnerIDs returns the distinct partners from the user's video
// sessions created since the given cutoff. Used for loop avoidance.
func (db *PostgresDB) RecentPartnerIDs(ctx context.Context, userID int64, since time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT CASE WHEN user_a_id = $1 THEN user_b_id ELSE user_a_id END
		FROM chat_sessions
		WHERE mode = $2 AND (user_a_id = $1 OR user_b_id = $1) AND created_at >= $3`

	rows, err := db.pool.Query(ctx, query, userID, SessionModeVideo, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindCandidates returns up to filter.Limit users eligible to be claimed for a
// video call. Random selection among them happens in the engine with an
// injectable RNG, so the query itself is deterministic.
func (db *PostgresDB) FindCandidates(ctx context.Context, filter CandidateFilter) ([]User, error) {
	var (
		conds = []string{
			"id != $1",
			"is_on_call = FALSE",
			"video_state = $2",
			"last_active_at IS NOT NULL AND last_active_at >= $3",
			"video_state_updated_at IS NOT NULL AND video_state_updated_at >= $4",
		}
		args = []interface{}{filter.RequesterID, VideoStateSearching, filter.OnlineSince, filter.SearchingSince}
	)

	if filter.Gender != "" {
		args = append(args, filter.Gender)
		conds = append(conds, fmt.Sprintf("gender = $%d", len(args)))
	}
	if len(filter.ExcludeIDs) > 0 {
		args = append(args, filter.ExcludeIDs)
		conds = append(conds, fmt.Sprintf("NOT (id = ANY($%d))", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := `SELECT ` + userColumns + ` FROM users WHERE ` +
		strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY video_state_updated_at DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// PairUsers atomically claims the candidate and creates the session. The
// whole claim-and-create sequence runs in one transaction:
//
//  1. insert the session row (invisible until commit),
//  2. conditionally move the candidate searching -> in_call; zero affected
//     rows means another poller won the race and the transaction rolls back
//     with ErrCandidateTaken,
//  3. conditionally move the requester the same way; zero affected rows
//     means a concurrent poll from the same requester already paired them,
//     and the transaction rolls back with ErrRequesterTaken.
//
// Both sides are guarded, so neither a contended candidate nor a double poll
// from the same requester can produce a second live session. When two
// transactions pick each other mutually they lock the same rows in opposite
// orders and Postgres aborts one of them; claimError folds that abort into
// ErrCandidateTaken so the caller's retry loop absorbs it.
func (db *PostgresDB) PairUsers(ctx context.Context, requesterID, candidateID int64) (*Session, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	session := &Session{
		Mode:    SessionModeVideo,
		UserAID: requesterID,
		UserBID: candidateID,
	}

	insertQuery := `
		INSERT INTO chat_sessions (mode, user_a_id, user_b_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err = tx.QueryRow(ctx, insertQuery, session.Mode, session.UserAID, session.UserBID).
		Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return nil, claimError(err)
	}

	claimQuery := `
		UPDATE users
		SET video_state = $1, video_state_updated_at = NOW(),
		    video_session_id = $2, video_partner_id = $3, is_on_call = TRUE
		WHERE id = $4 AND video_state = $5`

	tag, err := tx.Exec(ctx, claimQuery,
		VideoStateInCall, session.ID, requesterID, candidateID, VideoStateSearching)
	if err != nil {
		return nil, claimError(err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrCandidateTaken
	}

	requesterQuery := `
		UPDATE users
		SET video_state = $1, video_state_updated_at = NOW(),
		    video_session_id = $2, video_partner_id = $3, is_on_call = TRUE
		WHERE id = $4 AND video_state = $5`

	tag, err = tx.Exec(ctx, requesterQuery,
		VideoStateInCall, session.ID, candidateID, requesterID, VideoStateSearching)
	if err != nil {
		return nil, claimError(err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrRequesterTaken
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, claimError(err)
	}
	return session, nil
}

// claimError normalizes transaction aborts Postgres raises under contention
// (deadlock_detected, serialization_failure) into the lost-race sentinel, so
// the matchmaking retry loop treats them like any other lost claim.
func claimError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "40001") {
		return ErrCandidateTaken
	}
	return err
}

func (db *PostgresDB) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	query := `
		SELECT id, mode, user_a_id, user_b_id, created_at, ended_at, ended_by_id
		FROM chat_sessions WHERE id = $1`

	session := &Session{}
	err := db.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.ID, &session.Mode, &session.UserAID, &session.UserBID,
		&session.CreatedAt, &session.EndedAt, &session.EndedByID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// EndSession stamps the session as ended and releases both participants back
// to idle in one transaction. The ended_at IS NULL guard makes a second call
// on an already-ended session affect zero rows, which surfaces as
// ErrSessionNotLive so callers can treat it as a no-op.
func (db *PostgresDB) EndSession(ctx context.Context, sessionID, endedByID int64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	endQuery := `
		UPDATE chat_sessions
		SET ended_at = NOW(), ended_by_id = $1
		WHERE id = $2 AND ended_at IS NULL
		RETURNING user_a_id, user_b_id`

	var userAID, userBID int64
	err = tx.QueryRow(ctx, endQuery, endedByID, sessionID).Scan(&userAID, &userBID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotLive
	}
	if err != nil {
		return err
	}

	// Reset both sides, not just the caller. The session-id guard keeps a
	// participant who already moved on to a newer session untouched.
	resetQuery := `
		UPDATE users
		SET video_state = $1, video_state_updated_at = NOW(),
		    video_session_id = NULL, video_partner_id = NULL, is_on_call = FALSE
		WHERE id = ANY($2) AND video_session_id = $3`

	if _, err := tx.Exec(ctx, resetQuery,
		VideoStateIdle, []int64{userAID, userBID}, sessionID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DemoteStaleSearching moves searching rows whose state timestamp fell behind
// the cutoff back to idle. Hygiene only: the candidate query already ignores
// stale searchers via the freshness window.
func (db *PostgresDB) DemoteStaleSearching(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE users
		SET video_state = $1, video_state_updated_at = NOW()
		WHERE video_state = $2 AND video_state_updated_at < $3`

	tag, err := db.pool.Exec(ctx, query, VideoStateIdle, VideoStateSearching, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ReleaseStaleCalls ends video sessions older than the cutoff and releases
// any in_call users whose session is no longer live.
func (db *PostgresDB) ReleaseStaleCalls(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	endQuery := `
		UPDATE chat_sessions
		SET ended_at = NOW()
		WHERE mode = $1 AND ended_at IS NULL AND created_at < $2`

	if _, err := tx.Exec(ctx, endQuery, SessionModeVideo, cutoff); err != nil {
		return 0, err
	}

	releaseQuery := `
		UPDATE users
		SET video_state = $1, video_state_updated_at = NOW(),
		    video_session_id = NULL, video_partner_id = NULL, is_on_call = FALSE
		WHERE video_state = $2 AND NOT EXISTS (
			SELECT 1 FROM chat_sessions s
			WHERE s.id = users.video_session_id AND s.ended_at IS NULL
		)`

	tag, err := tx.Exec(ctx, releaseQuery, VideoStateIdle, VideoStateInCall)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
