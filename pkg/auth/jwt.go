// Package auth issues and checks host capability tokens.
// A token names the room it governs, the session of that room (rooms that are
// closed and created again under the same name get a new one) and the host
// epoch it was issued for, so a token stops working once hosting moves on.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const hostKey ctxKey = 1

var ErrBadClaims = errors.New("token missing room or host")

// HostClaims is what a host token proves
type HostClaims struct {
	RoomID  string
	Session string
	ConnID  string // connection the token was issued to
	Epoch   int64
}

// WithHost adds verified host claims to the context
func WithHost(ctx context.Context, c HostClaims) context.Context {
	return context.WithValue(ctx, hostKey, c)
}

// Host extracts host claims from the context
func Host(ctx context.Context) (HostClaims, bool) {
	c, ok := ctx.Value(hostKey).(HostClaims)
	return c, ok
}

// JWT wraps a signing secret for issuing/verifying tokens
type JWT struct{ secret []byte }

// New creates a new JWT signer/verifier.
func New(secret string) *JWT { return &JWT{secret: []byte(secret)} }

// Verify checks signature and expiry and returns the host claims
func (j *JWT) Verify(tok string) (HostClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return HostClaims{}, err
	}
	sub, _ := claims["sub"].(string)
	room, _ := claims["room"].(string)
	sid, _ := claims["sid"].(string)
	epoch, _ := claims["epoch"].(float64)
	if sub == "" || room == "" {
		return HostClaims{}, ErrBadClaims
	}
	return HostClaims{RoomID: room, Session: sid, ConnID: sub, Epoch: int64(epoch)}, nil
}

// Sign creates a host token with the given TTL
func (j *JWT) Sign(c HostClaims, ttl time.Duration) (string, error) {
	if c.ConnID == "" || c.RoomID == "" {
		return "", ErrBadClaims
	}
	claims := jwt.MapClaims{
		"sub":   c.ConnID,
		"room":  c.RoomID,
		"sid":   c.Session,
		"epoch": c.Epoch,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(j.secret)
}
