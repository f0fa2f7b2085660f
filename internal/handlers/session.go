package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookie = "foliumscope_session"

// flash is the one-shot message shown on the next page render.
type flash struct {
	Class      string  `json:"class,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type sessionClaims struct {
	Flash flash `json:"flash"`
	jwt.RegisteredClaims
}

type sessionStore struct {
	secretKey []byte
	lifetime  time.Duration
	secure    bool
	now       func() time.Time
}

func newSessionStore(secretKey string, lifetime time.Duration, secure bool) *sessionStore {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &sessionStore{
		secretKey: []byte(secretKey),
		lifetime:  lifetime,
		secure:    secure,
		now:       time.Now,
	}
}

func (s *sessionStore) setFlash(w http.ResponseWriter, f flash) error {
	now := s.now()
	claims := sessionClaims{
		Flash: f,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return fmt.Errorf("failed to sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(s.lifetime),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// popFlash reads and clears the flash. A missing, expired or tampered
// cookie yields no flash.
func (s *sessionStore) popFlash(w http.ResponseWriter, r *http.Request) (flash, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return flash{}, false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	claims, err := s.parse(cookie.Value)
	if err != nil {
		return flash{}, false
	}
	return claims.Flash, true
}

func (s *sessionStore) parse(tokenString string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid session")
	}
	return claims, nil
}
