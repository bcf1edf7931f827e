package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"vidmatch-backend/internal/auth"
	"vidmatch-backend/internal/matchmaking"
	"vidmatch-backend/internal/storage"
)

// VideoService is the matchmaking surface the handlers call into.
type VideoService interface {
	Match(ctx context.Context, requester *storage.User, preference string) (*matchmaking.MatchResult, error)
	SessionToken(ctx context.Context, caller *storage.User, sessionID int64) (*matchmaking.TokenResult, error)
	End(ctx context.Context, caller *storage.User, sessionID *int64) error
}

type VideoHandler struct {
	service  VideoService
	validate *validator.Validate
}

func NewVideoHandler(service VideoService) *VideoHandler {
	return &VideoHandler{
		service:  service,
		validate: validator.New(),
	}
}

type matchRequestBody struct {
	Preference string `json:"preference" validate:"required,oneof=male female both"`
}

type endRequestBody struct {
	SessionID *int64 `json:"session_id"`
}

type sessionPayload struct {
	ID        int64     `json:"id"`
	Mode      string    `json:"mode"`
	UserAID   int64     `json:"user_a_id"`
	UserBID   int64     `json:"user_b_id"`
	CreatedAt time.Time `json:"created_at"`
}

type profilePayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	Gender      string `json:"gender"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	IsOnline    bool   `json:"is_online"`
}

// matchResponse is the successful-pairing payload. Every field is emitted
// unconditionally: in token-less deployments agora_token is present and empty,
// so clients can tell a degraded join from a missing field.
type matchResponse struct {
	OK                 bool            `json:"ok"`
	AgoraAppID         string          `json:"agora_app_id"`
	Channel            string          `json:"channel"`
	AgoraUID           int64           `json:"agora_uid"`
	AgoraToken         string          `json:"agora_token"`
	AgoraTokenExpireTS int64           `json:"agora_token_expire_ts"`
	DurationSeconds    int             `json:"duration_seconds"`
	Session            *sessionPayload `json:"session"`
	Match              *profilePayload `json:"match"`
}

type tokenResponse struct {
	OK                 bool   `json:"ok"`
	AgoraAppID         string `json:"agora_app_id"`
	Channel            string `json:"channel"`
	AgoraUID           int64  `json:"agora_uid"`
	AgoraToken         string `json:"agora_token"`
	AgoraTokenExpireTS int64  `json:"agora_token_expire_ts"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Match handles POST /video/match. No eligible candidate is a successful
// response with match null, not an error; the client keeps polling.
func (h *VideoHandler) Match(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := h.generateRequestID()

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var reqBody matchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		log.Printf("[VIDEO_MATCH] %s - failed to decode request body: %v", requestID, err)
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := h.validate.Struct(reqBody); err != nil {
		log.Printf("[VIDEO_MATCH] %s - validation failed for user %d: %v", requestID, user.ID, err)
		h.writeError(w, http.StatusBadRequest, "validation failed", "preference must be 'male', 'female' or 'both'")
		return
	}

	log.Printf("[VIDEO_MATCH] %s - user %d polling with preference=%s state=%s",
		requestID, user.ID, reqBody.Preference, user.VideoState)

	result, err := h.service.Match(r.Context(), user, reqBody.Preference)
	if err != nil {
		if errors.Is(err, matchmaking.ErrInvalidPreference) {
			h.writeError(w, http.StatusBadRequest, "validation failed", err.Error())
			return
		}
		log.Printf("[VIDEO_MATCH] %s - match failed for user %d after %v: %v",
			requestID, user.ID, time.Since(start), err)
		h.writeError(w, http.StatusInternalServerError, "match failed", err.Error())
		return
	}

	if result == nil {
		log.Printf("[VIDEO_MATCH] %s - no candidate for user %d in %v",
			requestID, user.ID, time.Since(start))
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "match": nil})
		return
	}

	log.Printf("[VIDEO_MATCH] %s - user %d matched with user %d, session=%d, channel=%s, duration=%v",
		requestID, user.ID, result.Partner.ID, result.Session.ID, result.Channel, time.Since(start))

	h.writeJSON(w, http.StatusOK, matchResponse{
		OK:                 true,
		AgoraAppID:         result.AppID,
		Channel:            result.Channel,
		AgoraUID:           result.UID,
		AgoraToken:         result.Token,
		AgoraTokenExpireTS: result.TokenExpireTS,
		DurationSeconds:    result.DurationSeconds,
		Session: &sessionPayload{
			ID:        result.Session.ID,
			Mode:      result.Session.Mode,
			UserAID:   result.Session.UserAID,
			UserBID:   result.Session.UserBID,
			CreatedAt: result.Session.CreatedAt,
		},
		Match: &profilePayload{
			ID:          result.Partner.ID,
			Name:        result.Partner.Name,
			Country:     result.Partner.Country,
			Gender:      result.Partner.Gender,
			Description: result.Partner.Description,
			ImageURL:    result.Partner.ImageURL,
			IsOnline:    true,
		},
	})
}

// Token handles GET /video/token?session_id= and reissues a fresh join token
// for a live session the caller participates in.
func (h *VideoHandler) Token(w http.ResponseWriter, r *http.Request) {
	requestID := h.generateRequestID()

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	sessionID, err := strconv.ParseInt(r.URL.Query().Get("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid session_id", "session_id must be a positive integer")
		return
	}

	result, err := h.service.SessionToken(r.Context(), user, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "session not found", "no such session")
		case errors.Is(err, matchmaking.ErrNotParticipant):
			log.Printf("[VIDEO_TOKEN] %s - user %d denied token for session %d: not a participant",
				requestID, user.ID, sessionID)
			h.writeError(w, http.StatusForbidden, "forbidden", "not a participant of this session")
		case errors.Is(err, matchmaking.ErrSessionEnded):
			h.writeError(w, http.StatusNotFound, "session ended", "session has already ended")
		default:
			log.Printf("[VIDEO_TOKEN] %s - token reissue failed for user %d: %v", requestID, user.ID, err)
			h.writeError(w, http.StatusInternalServerError, "token reissue failed", err.Error())
		}
		return
	}

	log.Printf("[VIDEO_TOKEN] %s - reissued token for user %d on channel %s", requestID, user.ID, result.Channel)

	h.writeJSON(w, http.StatusOK, tokenResponse{
		OK:                 true,
		AgoraAppID:         result.AppID,
		Channel:            result.Channel,
		AgoraUID:           result.UID,
		AgoraToken:         result.Token,
		AgoraTokenExpireTS: result.TokenExpireTS,
	})
}

// End handles POST /video/end. Teardown is idempotent: repeated calls and
// stale or foreign session ids all return ok.
func (h *VideoHandler) End(w http.ResponseWriter, r *http.Request) {
	requestID := h.generateRequestID()

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var reqBody endRequestBody
	if r.Body != nil {
		// An empty body is fine: ending without a session id just resets
		// the caller's own state.
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	if reqBody.SessionID != nil && *reqBody.SessionID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid session_id", "session_id must be a positive integer")
		return
	}

	if err := h.service.End(r.Context(), user, reqBody.SessionID); err != nil {
		log.Printf("[VIDEO_END] %s - end failed for user %d: %v", requestID, user.ID, err)
		h.writeError(w, http.StatusInternalServerError, "end failed", err.Error())
		return
	}

	log.Printf("[VIDEO_END] %s - user %d released", requestID, user.ID)
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *VideoHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *VideoHandler) writeError(w http.ResponseWriter, status int, error, message string) {
	log.Printf("[ERROR] HTTP %d - %s: %s", status, error, message)
	h.writeJSON(w, status, ErrorResponse{Error: error, Message: message})
}

func (h *VideoHandler) generateRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
}
