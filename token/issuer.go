package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/pkg/errors"
)

const defaultExpiry = 7 * 24 * time.Hour

// IdentityLookup resolves token subjects to live identities.
type IdentityLookup interface {
	Get(ctx context.Context, id int64) (*identity.Identity, error)
}

// Issued is a freshly minted session token.
type Issued struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer mints and verifies session tokens. Tokens are stateless HS256 JWTs;
// only revoked token ids are held server side.
type Issuer struct {
	signer     Signer
	identities IdentityLookup
	revoked    RevokedTokenCache
	issuer     string
	expiry     time.Duration
	nowFunc    func() time.Time
}

type IssuerOption func(*Issuer)

func WithExpiry(expiry time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.expiry = expiry
	}
}

func WithIssuer(issuer string) IssuerOption {
	return func(i *Issuer) {
		i.issuer = issuer
	}
}

func WithNowFunc(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.nowFunc = now
	}
}

func WithRevokedTokenCache(cache RevokedTokenCache) IssuerOption {
	return func(i *Issuer) {
		i.revoked = cache
	}
}

func NewIssuer(signer Signer, identities IdentityLookup, options ...IssuerOption) (*Issuer, error) {
	if signer == nil {
		return nil, errors.New("[NewIssuer] signer is required")
	}
	if identities == nil {
		return nil, errors.New("[NewIssuer] identities is required")
	}

	i := &Issuer{
		signer:     signer,
		identities: identities,
		expiry:     defaultExpiry,
	}
	for _, opt := range options {
		opt(i)
	}

	if i.expiry <= 0 {
		i.expiry = defaultExpiry
	}
	if i.nowFunc == nil {
		i.nowFunc = time.Now
	}
	if i.revoked == nil {
		i.revoked = NewInMemoryRevokedTokenCache(i.nowFunc)
	}
	return i, nil
}

// Issue mints a token for ident valid for the configured expiry.
func (i *Issuer) Issue(ident *identity.Identity) (*Issued, error) {
	if ident == nil {
		return nil, errors.New("[Issuer.Issue] identity is required")
	}
	now := i.nowFunc()
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   ident.Subject(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
		ID:        uuid.NewString(),
	}

	signed, err := i.signer.Sign(claims)
	if err != nil {
		return nil, errors.Wrap(err, "[Issuer.Issue] sign")
	}
	return &Issued{Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks the token and resolves its subject. Errors match one of
// ErrInvalidToken, ErrTokenExpired, ErrTokenRevoked or ErrTokenSubjectUnknown;
// blocked identities also match ErrIdentityBlocked.
func (i *Issuer) Verify(ctx context.Context, raw string) (*identity.Identity, error) {
	claims, err := i.parse(raw)
	if err != nil {
		return nil, err
	}
	if claims.ID != "" && i.revoked.IsRevoked(claims.ID) {
		return nil, apperrors.ErrTokenRevoked
	}

	id, err := identity.ParseSubject(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}

	ident, err := i.identities.Get(ctx, id)
	if apperrors.Is(err, apperrors.ErrIdentityNotFound) {
		return nil, apperrors.ErrTokenSubjectUnknown
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Issuer.Verify] identity lookup")
	}
	if ident.Blocked {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTokenSubjectUnknown, apperrors.ErrIdentityBlocked)
	}
	return ident, nil
}

// Revoke invalidates a token before its expiry. Tokens that no longer verify are ignored.
func (i *Issuer) Revoke(raw string) error {
	claims, err := i.parse(raw)
	if apperrors.Is(err, apperrors.ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	if claims.ID == "" {
		return apperrors.ErrInvalidToken
	}
	return i.revoked.Add(claims.ID, claims.ExpiresAt.Time)
}

func (i *Issuer) parse(raw string) (*jwt.RegisteredClaims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, apperrors.ErrInvalidToken
	}

	// exp has one second resolution and jwt rejects now == exp; the leeway
	// keeps a token valid through its final second.
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(i.nowFunc),
		jwt.WithLeeway(time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{i.signer.GetSigningMethod().Alg()}),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, i.signer.GetVerificationKey, opts...)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperrors.ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}
}
