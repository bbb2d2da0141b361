package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func NewStaffToken(email, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		Scope: "reservations:read reservations:write",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{"salon-reservations"},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func Parse(tokenString, secret string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// CheckStaffCredentials compares a login attempt against the single configured
// staff account. The stored hash is an argon2id encoded string.
func CheckStaffCredentials(email, password, wantEmail, wantHash string) error {
	if wantEmail == "" || wantHash == "" {
		return ErrInvalidCredentials
	}
	if !strings.EqualFold(strings.TrimSpace(email), wantEmail) {
		return ErrInvalidCredentials
	}
	ok, err := argon2id.ComparePasswordAndHash(password, wantHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}
	return nil
}
