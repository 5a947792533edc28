package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer     = "markup"
	DefaultCookieName = "markup_session"
	bearerScheme      = "bearer "
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret is required")
	ErrNoToken              = errors.New("auth: request carries no reviewer token")
	ErrTokenRejected        = errors.New("auth: reviewer token rejected")
	ErrTokenExpired         = errors.New("auth: reviewer token expired")
	ErrAnonymousToken       = errors.New("auth: reviewer token names no user")
	ErrForeignIssuer        = fmt.Errorf("%w: issued by another service", ErrTokenRejected)
)

// ReviewerClaims identify the reviewer a token was issued for.
type ReviewerClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	UserAvatarURL   string `json:"user_avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName is the name comments and saved annotations are signed with.
func (c ReviewerClaims) DisplayName() string {
	if name := strings.TrimSpace(c.UserDisplayName); name != "" {
		return name
	}
	return strings.TrimSpace(c.UserID)
}

// ReviewerTokenConfig configures a ReviewerTokenValidator. Issuer and
// CookieName default to DefaultIssuer and DefaultCookieName.
type ReviewerTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// ReviewerTokenValidator checks HS256 reviewer tokens minted by TokenIssuer or
// by an upstream service sharing the secret.
type ReviewerTokenValidator struct {
	secret     []byte
	issuer     string
	cookieName string
	clock      func() time.Time
}

func NewReviewerTokenValidator(cfg ReviewerTokenConfig) (*ReviewerTokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ReviewerTokenValidator{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		issuer:     issuer,
		cookieName: cookieName,
		clock:      clock,
	}, nil
}

func (v *ReviewerTokenValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken parses a reviewer token. Expired tokens report ErrTokenExpired;
// every other failure wraps ErrTokenRejected or is ErrAnonymousToken.
func (v *ReviewerTokenValidator) ValidateToken(raw string) (ReviewerClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ReviewerClaims{}, ErrNoToken
	}
	claims := ReviewerClaims{}
	secret := func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}
	_, err := jwt.ParseWithClaims(raw, &claims, secret,
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReviewerClaims{}, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReviewerClaims{}, fmt.Errorf("%w: %q", ErrForeignIssuer, claims.Issuer)
	default:
		return ReviewerClaims{}, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	claims.UserID = strings.TrimSpace(claims.UserID)
	if claims.UserID == "" || strings.TrimSpace(claims.Subject) == "" {
		return ReviewerClaims{}, ErrAnonymousToken
	}
	return claims, nil
}

// ValidateRequest reads the reviewer token from the session cookie or, when
// the cookie is absent, from an Authorization bearer header.
func (v *ReviewerTokenValidator) ValidateRequest(r *http.Request) (ReviewerClaims, error) {
	raw := v.tokenFromRequest(r)
	if raw == "" {
		return ReviewerClaims{}, ErrNoToken
	}
	return v.ValidateToken(raw)
}

func (v *ReviewerTokenValidator) tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerScheme) && strings.EqualFold(header[:len(bearerScheme)], bearerScheme) {
		return strings.TrimSpace(header[len(bearerScheme):])
	}
	return ""
}
