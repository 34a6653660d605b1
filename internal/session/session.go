package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// CookieName is the session cookie set by the sign-in layer.
const CookieName = "postlab_session"

var (
	// ErrNoSession is returned when the request carries no session token.
	ErrNoSession = errors.New("no session token")
	// ErrInvalidSession is returned when a token is present but unusable.
	ErrInvalidSession = errors.New("invalid session token")
)

// Session identifies a signed-in author.
type Session struct {
	UserID string
	Name   string
}

// Claims is the JWT payload issued by the sign-in layer.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Verifier validates HS256 session tokens minted by the sign-in layer.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the shared signing secret.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		panic("session verifier requires non-empty secret")
	}
	return &Verifier{secret: []byte(secret)}
}

// Issue mints a session token. The server only verifies in production; Issue
// exists for local development and tests.
func (v *Verifier) Issue(userID, name string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates a raw token string and returns the session it carries.
func (v *Verifier) Verify(tokenString string) (*Session, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSession
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidSession
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	return &Session{UserID: claims.Subject, Name: claims.Name}, nil
}

// FromRequest extracts and verifies the session from an HTTP request,
// checking the Authorization header first and the session cookie second.
func (v *Verifier) FromRequest(r *http.Request) (*Session, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return v.Verify(strings.TrimSpace(parts[1]))
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return v.Verify(cookie.Value)
	}
	return nil, ErrNoSession
}
