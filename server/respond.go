package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/jrsteele09/tg-chat-gateway/chat"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/quota"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	contentTypeJSON = "application/json"
	maxBodyBytes    = 64 << 10
)

type errorResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message,omitempty"`
	Usage   *quota.Usage `json:"usage,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: code, Message: message})
}

// respondServiceError maps domain errors to HTTP responses.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *quota.ExceededError
	switch {
	case apperrors.As(err, &exceeded):
		respondJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   "quota_exceeded",
			Message: "daily message limit reached",
			Usage:   &exceeded.Usage,
		})
	case apperrors.Is(err, apperrors.ErrConversationNotFound), apperrors.Is(err, apperrors.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "conversation not found")
	case apperrors.Is(err, apperrors.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "invalid_request", "message content is required")
	case apperrors.Is(err, apperrors.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case apperrors.Is(err, apperrors.ErrIdentityBlocked):
		respondError(w, http.StatusForbidden, "forbidden", "")
	case apperrors.Is(err, apperrors.ErrGenerationFailed):
		respondError(w, http.StatusBadGateway, "generation_failed", chat.GenerationFailedNotice)
	default:
		log.Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

// decodeJSONBody decodes a bounded JSON body into dst. An empty body is
// accepted when allowEmpty is set.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return apperrors.Wrapf(apperrors.ErrInvalidRequest, "invalid JSON body: %v", err)
	}
	return nil
}
