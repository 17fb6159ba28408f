package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jrsteele09/tg-chat-gateway/chat"
	"github.com/jrsteele09/tg-chat-gateway/handshake/pendingrepo"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/telegram"
	"github.com/rs/zerolog/log"
)

type authStatusResponse struct {
	Success   bool               `json:"success"`
	Status    pendingrepo.Status `json:"status"`
	Token     string             `json:"token,omitempty"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
	Identity  *identity.Identity `json:"identity,omitempty"`
}

// AuthInitHandler starts a handshake and returns the code, deep link and QR image.
func (s *Server) AuthInitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs, err := s.deps.Handshakes.BeginHandshake()
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		s.metrics.handshakes.WithLabelValues("started").Inc()
		respondJSON(w, http.StatusOK, hs)
	}
}

// AuthStatusHandler long-polls a handshake code.
func (s *Server) AuthStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.PathValue("code")
		outcome, err := s.deps.Handshakes.AwaitResolution(r.Context(), code, s.config.GetAuthPollTimeout())
		if err != nil {
			// The client went away; there is nobody to answer.
			log.Debug().Err(err).Msg("auth status poll abandoned")
			return
		}

		s.metrics.handshakes.WithLabelValues(string(outcome.Status)).Inc()
		if outcome.Status != pendingrepo.StatusResolved || outcome.Result == nil {
			respondJSON(w, http.StatusOK, authStatusResponse{Status: outcome.Status})
			return
		}
		respondJSON(w, http.StatusOK, authStatusResponse{
			Success:   true,
			Status:    outcome.Status,
			Token:     outcome.Result.Token,
			ExpiresAt: &outcome.Result.ExpiresAt,
			Identity:  outcome.Result.Identity,
		})
	}
}

func (s *Server) AuthVerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"identity": identityFrom(r.Context())})
	}
}

// AuthLogoutHandler revokes the presented session token.
func (s *Server) AuthLogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Tokens.Revoke(tokenFrom(r.Context())); err != nil {
			respondServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ListConversationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := s.deps.Chats.ListConversations(r.Context(), identityFrom(r.Context()).ID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		if convs == nil {
			convs = []*chat.Conversation{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) CreateConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createConversationRequest
		if err := decodeJSONBody(w, r, &req, true); err != nil {
			respondServiceError(w, r, err)
			return
		}
		conv, err := s.deps.Chats.CreateConversation(r.Context(), identityFrom(r.Context()).ID, req.Title, chat.SourceWeb)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
	}
}

func (s *Server) ListMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.deps.Chats.ListMessages(r.Context(), identityFrom(r.Context()).ID, r.PathValue("id"))
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []*chat.Message{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	}
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendFailedResponse struct {
	Error string `json:"error"`
	*chat.SendResult
}

// SendMessageHandler runs one exchange. A failed generation answers 502 with
// the stored user turn and a notice in place of the reply.
func (s *Server) SendMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := decodeJSONBody(w, r, &req, false); err != nil {
			respondServiceError(w, r, err)
			return
		}

		result, err := s.deps.Chats.Send(r.Context(), identityFrom(r.Context()).ID, r.PathValue("id"), req.Content)
		switch {
		case err == nil:
			s.metrics.sends.WithLabelValues("ok").Inc()
			respondJSON(w, http.StatusOK, result)
		case apperrors.Is(err, apperrors.ErrGenerationFailed) && result != nil:
			s.metrics.sends.WithLabelValues("generation_failed").Inc()
			respondJSON(w, http.StatusBadGateway, sendFailedResponse{Error: "generation_failed", SendResult: result})
		case apperrors.Is(err, apperrors.ErrQuotaExceeded):
			s.metrics.sends.WithLabelValues("quota_exceeded").Inc()
			respondServiceError(w, r, err)
		default:
			s.metrics.sends.WithLabelValues("error").Inc()
			respondServiceError(w, r, err)
		}
	}
}

func (s *Server) UsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := s.deps.Usage.Usage(r.Context(), identityFrom(r.Context()).ID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"usage": usage})
	}
}

// TelegramWebhookHandler accepts updates on a secret path and hands them to
// the bot without waiting for the reply to be generated.
func (s *Server) TelegramWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := s.config.GetWebhookSecret()
		if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(r.PathValue("secret"))) != 1 {
			respondError(w, http.StatusNotFound, "not_found", "")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		update, err := telegram.DecodeWebhook(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "")
			return
		}
		s.deps.Bot.Dispatch(context.WithoutCancel(r.Context()), *update)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Health != nil {
			if err := s.deps.Health(r.Context()); err != nil {
				log.Err(err).Msg("health check failed")
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
