package handshake

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/tg-chat-gateway/handshake/pendingrepo"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout    = 5 * time.Minute
	defaultDailyLimit = 100
	defaultQRSize     = 256
)

// IdentityStore creates identities on first successful handshake.
type IdentityStore interface {
	Ensure(ctx context.Context, ident *identity.Identity) (*identity.Identity, error)
}

// TokenIssuer mints the session token handed to the web client.
type TokenIssuer interface {
	Issue(ident *identity.Identity) (*token.Issued, error)
}

// Handshake is returned to the web client that started the flow.
type Handshake struct {
	Code      string    `json:"authCode"`
	DeepLink  string    `json:"deepLink"`
	QRDataURI string    `json:"qrImageDataUri"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Outcome of a single AwaitResolution call. Result is set only when Status is resolved.
type Outcome struct {
	Status pendingrepo.Status
	Result *pendingrepo.Result
}

// signal wakes every poller waiting on one code. It is closed exactly once,
// either on resolution or on expiry.
type signal struct {
	done    chan struct{}
	closed  bool
	status  pendingrepo.Status
	result  *pendingrepo.Result
	waiters int
	timer   *time.Timer
}

func (s *signal) close(status pendingrepo.Status, result *pendingrepo.Result) {
	if s.closed {
		return
	}
	s.status = status
	s.result = result
	s.closed = true
	close(s.done)
}

// Broker pairs a web poller with a messaging-side confirmation through a
// one-time code. Entries live in the registry; wake-ups and expiry timers are
// local to this process.
type Broker struct {
	registry   pendingrepo.Repo
	identities IdentityStore
	tokens     TokenIssuer
	timeout    time.Duration
	botLink    string
	dailyLimit int
	qrSize     int
	nowFunc    func() time.Time

	mu         sync.Mutex
	signals    map[string]*signal
	confirming map[string]struct{}
	// delivered remembers resolved codes until their original deadline so a
	// repeated confirmation is reported as already resolved.
	delivered map[string]time.Time
}

type BrokerOption func(*Broker)

// WithTimeout sets how long an unresolved code stays valid.
func WithTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		b.timeout = timeout
	}
}

// WithBotLink sets the bot entry point, e.g. https://t.me/my_bot.
func WithBotLink(link string) BrokerOption {
	return func(b *Broker) {
		b.botLink = link
	}
}

// WithDailyLimit sets the daily message limit given to identities created by a handshake.
func WithDailyLimit(limit int) BrokerOption {
	return func(b *Broker) {
		b.dailyLimit = limit
	}
}

func WithQRSize(size int) BrokerOption {
	return func(b *Broker) {
		b.qrSize = size
	}
}

func WithNowFunc(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.nowFunc = now
	}
}

func NewBroker(registry pendingrepo.Repo, identities IdentityStore, tokens TokenIssuer, options ...BrokerOption) (*Broker, error) {
	if registry == nil {
		return nil, errors.New("[NewBroker] registry is required")
	}
	if identities == nil {
		return nil, errors.New("[NewBroker] identities is required")
	}
	if tokens == nil {
		return nil, errors.New("[NewBroker] tokens is required")
	}

	b := &Broker{
		registry:   registry,
		identities: identities,
		tokens:     tokens,
		timeout:    defaultTimeout,
		dailyLimit: defaultDailyLimit,
		qrSize:     defaultQRSize,
		nowFunc:    time.Now,
		signals:    make(map[string]*signal),
		confirming: make(map[string]struct{}),
		delivered:  make(map[string]time.Time),
	}
	for _, opt := range options {
		opt(b)
	}

	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	if b.botLink == "" {
		return nil, errors.New("[NewBroker] bot link is required")
	}
	return b, nil
}

// BeginHandshake registers a fresh code and schedules its removal after the timeout.
func (b *Broker) BeginHandshake() (*Handshake, error) {
	code := uuid.NewString()
	now := b.nowFunc()

	b.mu.Lock()
	b.pruneDeliveredLocked(now)
	err := b.registry.Put(&pendingrepo.PendingAuth{
		Code:      code,
		CreatedAt: now,
		Status:    pendingrepo.StatusPending,
	})
	if err != nil {
		b.mu.Unlock()
		return nil, errors.Wrap(err, "[Broker.BeginHandshake] registry put")
	}
	sig := &signal{done: make(chan struct{})}
	sig.timer = time.AfterFunc(b.timeout, func() { b.expire(code) })
	b.signals[code] = sig
	b.mu.Unlock()

	link := b.DeepLink(code)
	qr, err := QRDataURI(link, b.qrSize)
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.BeginHandshake] qr")
	}

	log.Debug().Str("code", code).Msg("handshake started")
	return &Handshake{
		Code:      code,
		DeepLink:  link,
		QRDataURI: qr,
		ExpiresAt: now.Add(b.timeout),
	}, nil
}

// DeepLink renders the bot start link carrying code.
func (b *Broker) DeepLink(code string) string {
	return fmt.Sprintf("%s?start=%s", b.botLink, url.QueryEscape(code))
}

// AwaitResolution long-polls a code for at most maxWait.
//
// Unknown or timed-out codes yield StatusExpired immediately. Every poller
// waiting when the code resolves receives the same result (broadcast) and the
// entry is removed at that moment, so later polls see StatusExpired. When a
// code resolves with nobody waiting, the next poll receives it. If maxWait
// elapses first the outcome is StatusPending and the entry is left untouched.
func (b *Broker) AwaitResolution(ctx context.Context, code string, maxWait time.Duration) (*Outcome, error) {
	b.mu.Lock()
	entry, err := b.lookupLocked(code)
	if err != nil {
		b.mu.Unlock()
		return &Outcome{Status: pendingrepo.StatusExpired}, nil
	}
	if entry.Status == pendingrepo.StatusResolved {
		b.finishLocked(code, pendingrepo.StatusResolved, entry.Result)
		b.mu.Unlock()
		return &Outcome{Status: pendingrepo.StatusResolved, Result: entry.Result}, nil
	}
	sig, ok := b.signals[code]
	if !ok {
		// Entry registered outside this process; wake-ups only come from the timer.
		sig = &signal{done: make(chan struct{})}
		b.signals[code] = sig
	}
	sig.waiters++
	b.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-sig.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	sig.waiters--
	closed := sig.closed
	b.mu.Unlock()

	if closed {
		if sig.status == pendingrepo.StatusResolved {
			return &Outcome{Status: pendingrepo.StatusResolved, Result: sig.result}, nil
		}
		return &Outcome{Status: pendingrepo.StatusExpired}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Outcome{Status: pendingrepo.StatusPending}, nil
}

// ConfirmHandshake resolves code for the given messaging identity. It is the
// only path to StatusResolved and succeeds at most once per code; later calls
// get ErrHandshakeAlreadyResolved and never replace the first token.
func (b *Broker) ConfirmHandshake(ctx context.Context, code string, profile identity.Profile) (*pendingrepo.Result, error) {
	if err := profile.Validate(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidRequest, "%v", err)
	}

	b.mu.Lock()
	entry, err := b.lookupLocked(code)
	if err != nil {
		if b.wasDeliveredLocked(code) {
			err = apperrors.ErrHandshakeAlreadyResolved
		}
		b.mu.Unlock()
		return nil, err
	}
	if _, busy := b.confirming[code]; busy || entry.Status != pendingrepo.StatusPending {
		b.mu.Unlock()
		return nil, apperrors.ErrHandshakeAlreadyResolved
	}
	b.confirming[code] = struct{}{}
	b.mu.Unlock()

	result, authErr := b.authenticate(ctx, profile)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.confirming, code)
	if authErr != nil {
		return nil, authErr
	}

	// The code may have timed out while the identity was being stored.
	entry, err = b.lookupLocked(code)
	if err != nil {
		if b.wasDeliveredLocked(code) {
			err = apperrors.ErrHandshakeAlreadyResolved
		}
		return nil, err
	}

	if sig, ok := b.signals[code]; ok && sig.waiters > 0 {
		b.finishLocked(code, pendingrepo.StatusResolved, result)
	} else {
		entry.Status = pendingrepo.StatusResolved
		entry.Result = result
		if err := b.registry.Put(entry); err != nil {
			return nil, errors.Wrap(err, "[Broker.ConfirmHandshake] registry put")
		}
	}

	log.Info().Str("code", code).Int64("identity", profile.ID).Msg("handshake confirmed")
	return result, nil
}

// PendingCount reports how many codes are outstanding.
func (b *Broker) PendingCount() int {
	return b.registry.Count()
}

// Waiting reports how many pollers are blocked on code.
func (b *Broker) Waiting(code string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig, ok := b.signals[code]; ok {
		return sig.waiters
	}
	return 0
}

// Close expires every outstanding code and wakes their pollers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for code := range b.signals {
		b.finishLocked(code, pendingrepo.StatusExpired, nil)
	}
	clear(b.delivered)
}

func (b *Broker) authenticate(ctx context.Context, profile identity.Profile) (*pendingrepo.Result, error) {
	ident, err := b.identities.Ensure(ctx, identity.New(profile, identity.PlanFree, b.dailyLimit, b.nowFunc()))
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.authenticate] ensure identity")
	}
	if ident.Blocked {
		return nil, apperrors.ErrIdentityBlocked
	}

	issued, err := b.tokens.Issue(ident)
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.authenticate] issue token")
	}
	return &pendingrepo.Result{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		Identity:  ident,
	}, nil
}

func (b *Broker) expire(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.registry.Get(code); err == nil {
		log.Debug().Str("code", code).Msg("handshake expired")
	}
	b.finishLocked(code, pendingrepo.StatusExpired, nil)
}

// lookupLocked returns the live entry for code, removing it when past its timeout.
func (b *Broker) lookupLocked(code string) (*pendingrepo.PendingAuth, error) {
	entry, err := b.registry.Get(code)
	if err != nil {
		return nil, apperrors.ErrHandshakeNotFound
	}
	if entry.Expired(b.nowFunc(), b.timeout) {
		b.finishLocked(code, pendingrepo.StatusExpired, nil)
		return nil, apperrors.ErrHandshakeExpired
	}
	return entry, nil
}

func (b *Broker) finishLocked(code string, status pendingrepo.Status, result *pendingrepo.Result) {
	if status == pendingrepo.StatusResolved {
		if entry, err := b.registry.Get(code); err == nil {
			b.delivered[code] = entry.CreatedAt.Add(b.timeout)
		}
	}
	if err := b.registry.Remove(code); err != nil {
		log.Err(err).Str("code", code).Msg("failed to remove handshake")
	}
	sig, ok := b.signals[code]
	if !ok {
		return
	}
	delete(b.signals, code)
	if sig.timer != nil {
		sig.timer.Stop()
	}
	sig.close(status, result)
}

func (b *Broker) wasDeliveredLocked(code string) bool {
	deadline, ok := b.delivered[code]
	return ok && b.nowFunc().Before(deadline)
}

func (b *Broker) pruneDeliveredLocked(now time.Time) {
	for code, deadline := range b.delivered {
		if !now.Before(deadline) {
			delete(b.delivered, code)
		}
	}
}
