package handshake_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/tg-chat-gateway/handshake"
	"github.com/jrsteele09/tg-chat-gateway/handshake/pendingrepo"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	"github.com/jrsteele09/tg-chat-gateway/identity/repofake"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/token"
	"github.com/stretchr/testify/require"
)

const (
	testBotLink = "https://t.me/test_gateway_bot"
	longWait    = 5 * time.Second
)

var testProfile = identity.Profile{ID: 1001, DisplayName: "Ada Lovelace", Username: "ada"}

type testFixture struct {
	mu         sync.Mutex
	now        time.Time
	registry   *pendingrepo.InMemoryRepo
	identities *repofake.FakeIdentityRepo
	issuer     *token.Issuer
	broker     *handshake.Broker
}

func (f *testFixture) nowFunc() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *testFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func setupTestFixture(t *testing.T, options ...handshake.BrokerOption) *testFixture {
	t.Helper()

	f := &testFixture{
		now:        time.Now(),
		registry:   pendingrepo.NewInMemoryRepo(),
		identities: repofake.NewFakeIdentityRepo(),
	}

	signer, err := token.NewHMACSigner("broker-test-secret")
	require.NoError(t, err)
	f.issuer, err = token.NewIssuer(signer, f.identities)
	require.NoError(t, err)

	opts := append([]handshake.BrokerOption{
		handshake.WithBotLink(testBotLink),
		handshake.WithDailyLimit(50),
		handshake.WithNowFunc(f.nowFunc),
	}, options...)
	f.broker, err = handshake.NewBroker(f.registry, f.identities, f.issuer, opts...)
	require.NoError(t, err)
	t.Cleanup(f.broker.Close)
	return f
}

func (f *testFixture) begin(t *testing.T) *handshake.Handshake {
	t.Helper()
	hs, err := f.broker.BeginHandshake()
	require.NoError(t, err)
	return hs
}

// awaitAsync starts a poller and returns once it is blocked on the code.
func (f *testFixture) awaitAsync(t *testing.T, code string, waiting int) <-chan *handshake.Outcome {
	t.Helper()
	out := make(chan *handshake.Outcome, 1)
	go func() {
		outcome, err := f.broker.AwaitResolution(context.Background(), code, longWait)
		if err != nil {
			out <- nil
			return
		}
		out <- outcome
	}()
	require.Eventually(t, func() bool { return f.broker.Waiting(code) == waiting }, time.Second, time.Millisecond)
	return out
}

func receive(t *testing.T, ch <-chan *handshake.Outcome) *handshake.Outcome {
	t.Helper()
	select {
	case outcome := <-ch:
		require.NotNil(t, outcome)
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not return")
		return nil
	}
}

func TestBeginHandshake(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)

	require.Len(t, hs.Code, 36)
	require.Equal(t, testBotLink+"?start="+hs.Code, hs.DeepLink)
	require.True(t, strings.HasPrefix(hs.QRDataURI, "data:image/png;base64,"))
	require.Equal(t, f.now.Add(5*time.Minute), hs.ExpiresAt)
	require.Equal(t, 1, f.broker.PendingCount())

	other := f.begin(t)
	require.NotEqual(t, hs.Code, other.Code)
}

func TestNewBroker_RequiresBotLink(t *testing.T) {
	f := setupTestFixture(t)
	_, err := handshake.NewBroker(f.registry, f.identities, f.issuer)
	require.Error(t, err)
}

func TestAwaitResolution_UnknownCodeIsExpired(t *testing.T) {
	f := setupTestFixture(t)
	outcome, err := f.broker.AwaitResolution(context.Background(), "no-such-code", longWait)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusExpired, outcome.Status)
}

func TestAwaitResolution_PendingAfterMaxWait(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)

	outcome, err := f.broker.AwaitResolution(context.Background(), hs.Code, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusPending, outcome.Status)
	require.Nil(t, outcome.Result)

	// The entry survives a poll timeout and can still be confirmed.
	_, err = f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.NoError(t, err)
}

func TestConfirmBeforePoll_DeliveredOnce(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)

	result, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.NoError(t, err)

	outcome, err := f.broker.AwaitResolution(context.Background(), hs.Code, longWait)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusResolved, outcome.Status)
	require.Equal(t, result.Token, outcome.Result.Token)

	ident, err := f.issuer.Verify(context.Background(), outcome.Result.Token)
	require.NoError(t, err)
	require.Equal(t, testProfile.ID, ident.ID)

	again, err := f.broker.AwaitResolution(context.Background(), hs.Code, longWait)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusExpired, again.Status)
	require.Zero(t, f.broker.PendingCount())
}

func TestConcurrentPollers_AllReceiveResult(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)

	pollers := []<-chan *handshake.Outcome{
		f.awaitAsync(t, hs.Code, 1),
		f.awaitAsync(t, hs.Code, 2),
		f.awaitAsync(t, hs.Code, 3),
	}

	result, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.NoError(t, err)

	for _, ch := range pollers {
		outcome := receive(t, ch)
		require.Equal(t, pendingrepo.StatusResolved, outcome.Status)
		require.Equal(t, result.Token, outcome.Result.Token)
		require.Equal(t, testProfile.ID, outcome.Result.Identity.ID)
	}

	ident, err := f.issuer.Verify(context.Background(), result.Token)
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", ident.DisplayName)
	require.Equal(t, 50, ident.DailyLimit)

	late, err := f.broker.AwaitResolution(context.Background(), hs.Code, longWait)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusExpired, late.Status)
}

func TestConfirmTwice_KeepsFirstToken(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)

	first, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.NoError(t, err)

	_, err = f.broker.ConfirmHandshake(context.Background(), hs.Code, identity.Profile{ID: 2002})
	require.ErrorIs(t, err, apperrors.ErrHandshakeAlreadyResolved)

	outcome, err := f.broker.AwaitResolution(context.Background(), hs.Code, longWait)
	require.NoError(t, err)
	require.Equal(t, first.Token, outcome.Result.Token)
	require.Equal(t, testProfile.ID, outcome.Result.Identity.ID)

	_, err = f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeAlreadyResolved, "delivered codes stay resolved until their deadline")

	f.advance(5*time.Minute + time.Second)
	_, err = f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeNotFound)
}

func TestConfirmTwice_WithPollerWaiting(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)
	poller := f.awaitAsync(t, hs.Code, 1)

	first, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.NoError(t, err)
	outcome := receive(t, poller)
	require.Equal(t, first.Token, outcome.Result.Token)
	require.Zero(t, f.broker.PendingCount())

	_, err = f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeAlreadyResolved)

	late, err := f.broker.AwaitResolution(context.Background(), hs.Code, longWait)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusExpired, late.Status)

	// Starting later handshakes drops remembered codes past their deadline.
	f.advance(5*time.Minute + time.Second)
	f.begin(t)
	_, err = f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeNotFound)
}

func TestConfirm_UnknownCode(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.broker.ConfirmHandshake(context.Background(), "missing", testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeNotFound)
}

func TestConfirm_InvalidProfile(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)
	_, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, identity.Profile{})
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestConfirm_BlockedIdentityLeavesCodePending(t *testing.T) {
	f := setupTestFixture(t)
	f.identities.Put(&identity.Identity{ID: testProfile.ID, Blocked: true, DailyLimit: 10})
	hs := f.begin(t)

	_, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrIdentityBlocked)

	outcome, err := f.broker.AwaitResolution(context.Background(), hs.Code, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusPending, outcome.Status)
}

func TestTimeout_LazyExpiry(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)

	f.advance(5*time.Minute + time.Second)

	_, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeExpired)

	outcome, err := f.broker.AwaitResolution(context.Background(), hs.Code, longWait)
	require.NoError(t, err)
	require.Equal(t, pendingrepo.StatusExpired, outcome.Status)
	require.Zero(t, f.broker.PendingCount())
}

func TestTimeout_TimerRemovesEntryAndWakesPollers(t *testing.T) {
	f := setupTestFixture(t, handshake.WithTimeout(100*time.Millisecond))
	hs := f.begin(t)

	start := time.Now()
	poller := f.awaitAsync(t, hs.Code, 1)
	outcome := receive(t, poller)
	require.Equal(t, pendingrepo.StatusExpired, outcome.Status)
	require.Less(t, time.Since(start), longWait)

	require.Zero(t, f.broker.PendingCount())
	_, err := f.broker.ConfirmHandshake(context.Background(), hs.Code, testProfile)
	require.ErrorIs(t, err, apperrors.ErrHandshakeNotFound)
}

func TestAwaitResolution_ContextCancelled(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.broker.AwaitResolution(ctx, hs.Code, longWait)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, f.broker.PendingCount(), "a cancelled poll leaves the entry pending")
}

func TestClose_ExpiresOutstandingCodes(t *testing.T) {
	f := setupTestFixture(t)
	hs := f.begin(t)
	poller := f.awaitAsync(t, hs.Code, 1)

	f.broker.Close()

	outcome := receive(t, poller)
	require.Equal(t, pendingrepo.StatusExpired, outcome.Status)
	require.Zero(t, f.broker.PendingCount())
}

func TestBotLink(t *testing.T) {
	require.Equal(t, "https://t.me/my_bot", handshake.BotLink("@my_bot"))
	require.Equal(t, "https://t.me/my_bot", handshake.BotLink("my_bot"))
}
