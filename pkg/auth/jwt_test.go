package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	j := New("s3cret")
	tok, err := j.Sign(HostClaims{RoomID: "X", Session: "s1", ConnID: "H", Epoch: 3}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c, err := j.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if c != (HostClaims{RoomID: "X", Session: "s1", ConnID: "H", Epoch: 3}) {
		t.Fatalf("unexpected claims %+v", c)
	}
}

func TestVerifyRejects(t *testing.T) {
	j := New("s3cret")

	t.Run("wrong secret", func(t *testing.T) {
		tok, _ := New("other").Sign(HostClaims{RoomID: "X", ConnID: "H", Epoch: 1}, time.Hour)
		if _, err := j.Verify(tok); err == nil {
			t.Fatal("expected signature error")
		}
	})

	t.Run("expired", func(t *testing.T) {
		tok, _ := j.Sign(HostClaims{RoomID: "X", ConnID: "H", Epoch: 1}, -time.Minute)
		if _, err := j.Verify(tok); !errors.Is(err, jwt.ErrTokenExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	t.Run("missing room", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "H"})
		tok, _ := raw.SignedString([]byte("s3cret"))
		if _, err := j.Verify(tok); !errors.Is(err, ErrBadClaims) {
			t.Fatalf("expected ErrBadClaims, got %v", err)
		}
	})

	t.Run("none alg", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "H", "room": "X"})
		tok, _ := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if _, err := j.Verify(tok); err == nil {
			t.Fatal("expected unsigned token to be rejected")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := j.Verify("not-a-token"); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestSignRequiresRoomAndConn(t *testing.T) {
	if _, err := New("s").Sign(HostClaims{RoomID: "X"}, time.Hour); !errors.Is(err, ErrBadClaims) {
		t.Fatalf("expected ErrBadClaims, got %v", err)
	}
}

func TestHostContext(t *testing.T) {
	if _, ok := Host(context.Background()); ok {
		t.Fatal("expected no claims on empty context")
	}
	ctx := WithHost(context.Background(), HostClaims{RoomID: "X", ConnID: "H"})
	c, ok := Host(ctx)
	if !ok || c.RoomID != "X" {
		t.Fatalf("unexpected claims %+v %v", c, ok)
	}
}
