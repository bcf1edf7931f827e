package storage

import (
	"time"
)

// Video matchmaking states. A user is only selectable as a candidate while
// searching and fresh (see presence windows); in_call users are never matched.
const (
	VideoStateIdle      = "idle"
	VideoStateSearching = "searching"
	VideoStateInCall    = "in_call"
)

// Genders as stored on the user row.
const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderCross  = "cross"
)

// SessionModeVideo is the only session mode this service creates.
const SessionModeVideo = "video"

type User struct {
	ID           int64      `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	Gender       string     `json:"gender" db:"gender"`
	Country      string     `json:"country" db:"country"`
	Description  string     `json:"description" db:"description"`
	ImageURL     string     `json:"image_url" db:"image_url"`
	IsSubscribed bool       `json:"is_subscribed" db:"is_subscribed"`
	LastActiveAt *time.Time `json:"last_active_at" db:"last_active_at"`

	// video_session_id is non-null iff video_state == in_call.
	VideoState          string     `json:"video_state" db:"video_state"`
	VideoStateUpdatedAt *time.Time `json:"video_state_updated_at" db:"video_state_updated_at"`
	VideoSessionID      *int64     `json:"video_session_id" db:"video_session_id"`
	VideoPartnerID      *int64     `json:"video_partner_id" db:"video_partner_id"`
	IsOnCall            bool       `json:"is_on_call" db:"is_on_call"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Session struct {
	ID        int64      `json:"id" db:"id"`
	Mode      string     `json:"mode" db:"mode"`
	UserAID   int64      `json:"user_a_id" db:"user_a_id"`
	UserBID   int64      `json:"user_b_id" db:"user_b_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	EndedAt   *time.Time `json:"ended_at" db:"ended_at"`
	EndedByID *int64     `json:"ended_by_id" db:"ended_by_id"`
}

// Live reports whether the session has not been ended yet.
func (s *Session) Live() bool {
	return s != nil && s.EndedAt == nil
}

// HasParticipant reports whether userID is one of the two sides.
func (s *Session) HasParticipant(userID int64) bool {
	return s != nil && (s.UserAID == userID || s.UserBID == userID)
}

// PartnerOf returns the other participant's id.
func (s *Session) PartnerOf(userID int64) int64 {
	if s.UserAID == userID {
		return s.UserBID
	}
	return s.UserAID
}

// CandidateFilter describes the eligible-candidate pool query used by the
// matchmaking engine. Time cutoffs come from the presence windows so client
// polling assumptions never leak into SQL literals.
type CandidateFilter struct {
	RequesterID    int64
	Gender         string // optional; empty means unconstrained
	ExcludeIDs     []int64
	OnlineSince    time.Time
	SearchingSince time.Time
	Limit          int
}
