package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jrsteele09/tg-chat-gateway/chat"
	"github.com/jrsteele09/tg-chat-gateway/handshake"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	"github.com/jrsteele09/tg-chat-gateway/internal/config"
	"github.com/jrsteele09/tg-chat-gateway/quota"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type HandshakeBroker interface {
	BeginHandshake() (*handshake.Handshake, error)
	AwaitResolution(ctx context.Context, code string, maxWait time.Duration) (*handshake.Outcome, error)
	PendingCount() int
}

type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*identity.Identity, error)
	Revoke(raw string) error
}

type ChatService interface {
	ListConversations(ctx context.Context, identityID int64) ([]*chat.Conversation, error)
	CreateConversation(ctx context.Context, identityID int64, title string, source chat.Source) (*chat.Conversation, error)
	ListMessages(ctx context.Context, identityID int64, conversationID string) ([]*chat.Message, error)
	Send(ctx context.Context, identityID int64, conversationID string, content string) (*chat.SendResult, error)
}

type UsageReader interface {
	Usage(ctx context.Context, identityID int64) (*quota.Usage, error)
}

// UpdateDispatcher receives messaging updates posted to the webhook.
type UpdateDispatcher interface {
	Dispatch(ctx context.Context, update tgbotapi.Update)
}

// Dependencies are the collaborators behind the HTTP surface. Bot and
// Health are optional.
type Dependencies struct {
	Handshakes HandshakeBroker
	Tokens     TokenVerifier
	Chats      ChatService
	Usage      UsageReader
	Bot        UpdateDispatcher
	Health     func(ctx context.Context) error
}

type Server struct {
	env     string
	mux     *http.ServeMux
	handler http.Handler
	routes  []string
	config  config.Config
	deps    Dependencies
	metrics *metrics
}

func New(config config.Config, deps Dependencies) (*Server, error) {
	if deps.Handshakes == nil || deps.Tokens == nil || deps.Chats == nil || deps.Usage == nil {
		return nil, errors.New("[Server New] handshakes, tokens, chats and usage are required")
	}

	s := &Server{
		env:    config.GetEnv(),
		mux:    http.NewServeMux(),
		config: config,
		deps:   deps,
	}
	s.metrics = newMetrics(func() float64 { return float64(deps.Handshakes.PendingCount()) })

	s.initRoutes()
	s.logRoutes()

	origins := config.GetAllowedOrigins()
	log.Info().Str("origins", origins.String()).Msg("CORS allowed origins")
	s.handler = cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return origins.IsAllowedOrigin(origin)
		},
		AllowedMethods: config.GetAllowedMethods(),
		AllowedHeaders: config.GetAllowedHeaders(),
		MaxAge:         86400,
	})(s.mux)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Info().Msgf("[%-19s] %s", displayMethod, path)
}
