package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jrsteele09/tg-chat-gateway/ai"
	"github.com/jrsteele09/tg-chat-gateway/chat"
	chatfake "github.com/jrsteele09/tg-chat-gateway/chat/repofake"
	"github.com/jrsteele09/tg-chat-gateway/handshake"
	"github.com/jrsteele09/tg-chat-gateway/handshake/pendingrepo"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	identityfake "github.com/jrsteele09/tg-chat-gateway/identity/repofake"
	"github.com/jrsteele09/tg-chat-gateway/internal/config"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/quota"
	"github.com/jrsteele09/tg-chat-gateway/server"
	"github.com/jrsteele09/tg-chat-gateway/token"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWebhookSecret = "hook-secret"
	testDailyLimit    = 2
)

var testProfile = identity.Profile{ID: 5150, DisplayName: "Grace Hopper", Username: "grace"}

type fakeGenerator struct {
	mu  sync.Mutex
	err error
}

func (g *fakeGenerator) Generate(_ context.Context, history []ai.Turn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	return "echo: " + history[len(history)-1].Content, nil
}

func (g *fakeGenerator) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type fakeDispatcher struct {
	updates chan tgbotapi.Update
}

func (d *fakeDispatcher) Dispatch(_ context.Context, update tgbotapi.Update) {
	d.updates <- update
}

type testFixture struct {
	identities *identityfake.FakeIdentityRepo
	broker     *handshake.Broker
	issuer     *token.Issuer
	generator  *fakeGenerator
	dispatcher *fakeDispatcher
	unhealthy  atomic.Bool
	srv        *httptest.Server
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	t.Setenv("ENV", "TEST")
	t.Setenv("AUTH_POLL_TIMEOUT", "2s")
	t.Setenv("TELEGRAM_WEBHOOK_SECRET", testWebhookSecret)

	f := &testFixture{
		identities: identityfake.NewFakeIdentityRepo(),
		generator:  &fakeGenerator{},
		dispatcher: &fakeDispatcher{updates: make(chan tgbotapi.Update, 1)},
	}

	signer, err := token.NewHMACSigner("server-test-secret")
	require.NoError(t, err)
	f.issuer, err = token.NewIssuer(signer, f.identities)
	require.NoError(t, err)

	f.broker, err = handshake.NewBroker(pendingrepo.NewInMemoryRepo(), f.identities, f.issuer,
		handshake.WithBotLink("https://t.me/test_bot"),
		handshake.WithDailyLimit(testDailyLimit),
	)
	require.NoError(t, err)
	t.Cleanup(f.broker.Close)

	ledger := quota.NewLedger(f.identities, quota.WithLocation(time.UTC))
	chats, err := chat.NewService(chatfake.NewFakeChatRepo(), ledger, f.generator)
	require.NoError(t, err)

	s, err := server.New(config.New(), server.Dependencies{
		Handshakes: f.broker,
		Tokens:     f.issuer,
		Chats:      chats,
		Usage:      ledger,
		Bot:        f.dispatcher,
		Health: func(context.Context) error {
			if f.unhealthy.Load() {
				return errors.New("database gone")
			}
			return nil
		},
	})
	require.NoError(t, err)

	f.srv = httptest.NewServer(s)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *testFixture) do(t *testing.T, method, path, bearer, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	}
	return resp, payload
}

// login runs the whole handshake and returns the issued session token.
func (f *testFixture) login(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, server.RouteAuthInit, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := body["authCode"].(string)

	_, err := f.broker.ConfirmHandshake(context.Background(), code, testProfile)
	require.NoError(t, err)

	resp, body = f.do(t, http.MethodGet, "/auth/status/"+code, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	return body["token"].(string)
}

func TestEndToEnd_HandshakeChatAndQuota(t *testing.T) {
	f := setupTestFixture(t)

	resp, body := f.do(t, http.MethodPost, server.RouteAuthInit, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := body["authCode"].(string)
	require.Equal(t, "https://t.me/test_bot?start="+code, body["deepLink"])
	require.True(t, strings.HasPrefix(body["qrImageDataUri"].(string), "data:image/png;base64,"))

	// Nobody has confirmed yet.
	t.Setenv("AUTH_POLL_TIMEOUT", "50ms")
	resp, body = f.do(t, http.MethodGet, "/auth/status/"+code, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Equal(t, "pending", body["status"])
	t.Setenv("AUTH_POLL_TIMEOUT", "2s")

	type pollResult struct {
		status int
		body   map[string]any
	}
	polled := make(chan pollResult, 1)
	go func() {
		resp, err := f.srv.Client().Get(f.srv.URL + "/auth/status/" + code)
		if !assert.NoError(t, err) {
			polled <- pollResult{}
			return
		}
		defer resp.Body.Close()
		var out map[string]any
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		polled <- pollResult{status: resp.StatusCode, body: out}
	}()

	require.Eventually(t, func() bool { return f.broker.Waiting(code) == 1 }, time.Second, time.Millisecond)
	_, err := f.broker.ConfirmHandshake(context.Background(), code, testProfile)
	require.NoError(t, err)

	var result pollResult
	select {
	case result = <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("status poll did not return")
	}
	require.Equal(t, http.StatusOK, result.status)
	require.Equal(t, true, result.body["success"])
	bearer := result.body["token"].(string)
	require.NotEmpty(t, bearer)

	ident, err := f.issuer.Verify(context.Background(), bearer)
	require.NoError(t, err)
	require.Equal(t, testProfile.ID, ident.ID)

	// The code is spent; a repeated tap on the link is reported as already used.
	_, body = f.do(t, http.MethodGet, "/auth/status/"+code, "", "")
	require.Equal(t, "expired", body["status"])
	_, err = f.broker.ConfirmHandshake(context.Background(), code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeAlreadyResolved)

	resp, body = f.do(t, http.MethodGet, server.RouteAuthVerify, bearer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Grace Hopper", body["identity"].(map[string]any)["displayName"])

	resp, body = f.do(t, http.MethodPost, server.RouteConversations, bearer, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	convID := body["conversation"].(map[string]any)["id"].(string)
	messagesPath := "/api/conversations/" + convID + "/messages"

	for i := 0; i < testDailyLimit; i++ {
		resp, body = f.do(t, http.MethodPost, messagesPath, bearer, `{"content":"hello"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "echo: hello", body["reply"].(map[string]any)["content"])
	}

	resp, body = f.do(t, http.MethodPost, messagesPath, bearer, `{"content":"one more"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "quota_exceeded", body["error"])
	usage := body["usage"].(map[string]any)
	require.EqualValues(t, testDailyLimit, usage["used"])
	require.EqualValues(t, 0, usage["remaining"])

	resp, body = f.do(t, http.MethodGet, messagesPath, bearer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["messages"], 2*testDailyLimit, "the rejected message is not stored")

	resp, body = f.do(t, http.MethodGet, server.RouteUsage, bearer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, testDailyLimit, body["usage"].(map[string]any)["used"])
}

func TestAuthStatus_UnknownCodeIsExpired(t *testing.T) {
	f := setupTestFixture(t)
	resp, body := f.do(t, http.MethodGet, "/auth/status/not-a-code", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Equal(t, "expired", body["status"])
}

func TestRequireAuth_RejectsBadTokens(t *testing.T) {
	f := setupTestFixture(t)

	for name, bearer := range map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, server.RouteConversations, bearer, "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.Equal(t, "unauthorized", body["error"])
		})
	}
}

func TestLogout_RevokesToken(t *testing.T) {
	f := setupTestFixture(t)
	bearer := f.login(t)

	resp, _ := f.do(t, http.MethodPost, server.RouteAuthLogout, bearer, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, server.RouteAuthVerify, bearer, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequireAuth_BlockedIdentity(t *testing.T) {
	f := setupTestFixture(t)
	bearer := f.login(t)
	require.NoError(t, f.identities.SetBlocked(context.Background(), testProfile.ID, true))

	resp, _ := f.do(t, http.MethodGet, server.RouteConversations, bearer, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendMessage_GenerationFailure(t *testing.T) {
	f := setupTestFixture(t)
	bearer := f.login(t)
	f.generator.fail(errors.New("upstream down"))

	_, body := f.do(t, http.MethodPost, server.RouteConversations, bearer, `{"title":"Ops"}`)
	conv := body["conversation"].(map[string]any)
	require.Equal(t, "Ops", conv["title"])
	messagesPath := "/api/conversations/" + conv["id"].(string) + "/messages"

	resp, body := f.do(t, http.MethodPost, messagesPath, bearer, `{"content":"are you there?"}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "generation_failed", body["error"])
	require.Equal(t, chat.GenerationFailedNotice, body["notice"])
	require.Equal(t, "are you there?", body["userMessage"].(map[string]any)["content"])
	require.Nil(t, body["reply"])

	_, body = f.do(t, http.MethodGet, server.RouteUsage, bearer, "")
	require.EqualValues(t, 0, body["usage"].(map[string]any)["used"], "failed generations are not charged")
}

func TestSendMessage_BadRequests(t *testing.T) {
	f := setupTestFixture(t)
	bearer := f.login(t)
	_, body := f.do(t, http.MethodPost, server.RouteConversations, bearer, "")
	messagesPath := "/api/conversations/" + body["conversation"].(map[string]any)["id"].(string) + "/messages"

	resp, body := f.do(t, http.MethodPost, messagesPath, bearer, `{"content":"   "}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", body["error"])

	resp, _ = f.do(t, http.MethodPost, messagesPath, bearer, `{"text":"wrong field"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, messagesPath, bearer, `{"content":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/conversations/missing/messages", bearer, `{"content":"hi"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["error"])
}

func TestListConversations_EmptyIsArray(t *testing.T) {
	f := setupTestFixture(t)
	bearer := f.login(t)

	resp, body := f.do(t, http.MethodGet, server.RouteConversations, bearer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["conversations"])
	require.Empty(t, body["conversations"])
}

func TestTelegramWebhook(t *testing.T) {
	f := setupTestFixture(t)
	update := `{"update_id":42,"message":{"message_id":1,"date":0,"chat":{"id":9,"type":"private"},"text":"hi"}}`

	resp, _ := f.do(t, http.MethodPost, "/telegram/webhook/wrong", "", update)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/telegram/webhook/"+testWebhookSecret, "", "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/telegram/webhook/"+testWebhookSecret, "", update)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case got := <-f.dispatcher.updates:
		require.Equal(t, 42, got.UpdateID)
		require.Equal(t, "hi", got.Message.Text)
	case <-time.After(time.Second):
		t.Fatal("update was not dispatched")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupTestFixture(t)

	resp, body := f.do(t, http.MethodGet, server.RouteHealth, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])

	f.unhealthy.Store(true)
	resp, _ = f.do(t, http.MethodGet, server.RouteHealth, "", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.do(t, http.MethodPost, server.RouteAuthInit, "", "")

	resp, err := f.srv.Client().Get(f.srv.URL + server.RouteMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	require.Contains(t, text, `chat_gateway_handshakes_total{event="started"} 1`)
	require.Contains(t, text, `chat_gateway_handshakes_pending 1`)
	require.Contains(t, text, `chat_gateway_http_requests_total{route="POST /auth/init",status="200"} 1`)
}

func TestCORS_AllowedOrigins(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://chat.example")
	f := setupTestFixture(t)

	for origin, allowed := range map[string]bool{
		"https://chat.example": true,
		"https://evil.example": false,
	} {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+server.RouteHealth, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		if allowed {
			require.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
		} else {
			require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"), origin)
		}
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := server.New(config.New(), server.Dependencies{})
	require.Error(t, err)
}
