// ABOUTME: Unit tests for JWT token verification, HTTP middleware and gRPC interceptor
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and context propagation

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-rpc/internal/rpc"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("alice", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Subject != "alice" {
		t.Errorf("Verify().Subject = %q, want %q", got.Subject, "alice")
	}
	if len(got.Roles) != 1 || got.Roles[0] != "admin" {
		t.Errorf("Verify().Roles = %v, want [admin]", got.Roles)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				other := NewJWTVerifier([]byte("different-secret"))
				token, _ := other.Generate("alice", nil, time.Hour)
				return token
			}(),
		},
		{
			name: "missing subject",
			token: func() string {
				token, _ := verifier.Generate("", nil, time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() expected error, got nil")
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("alice", nil, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	var seen rpc.Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = rpc.CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := HTTPAuthMiddleware(verifier, nil)(next)

	req := httptest.NewRequest(http.MethodPost, "/agents/a", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/agents/a", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	token, _ := verifier.Generate("bob", []string{"user"}, time.Hour)
	req = httptest.NewRequest(http.MethodPost, "/agents/a", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token: status = %d, want 204", rec.Code)
	}
	if seen.Subject != "bob" {
		t.Errorf("caller subject = %q, want bob", seen.Subject)
	}
}

func TestUnaryInterceptor(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	interceptor := UnaryInterceptor(verifier, nil)
	handler := func(ctx context.Context, req any) (any, error) {
		return FromContext(ctx), nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/coven.rpc.Transport/Invoke"}

	_, err := interceptor(context.Background(), nil, info, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("no metadata: code = %v, want Unauthenticated", status.Code(err))
	}

	token, _ := verifier.Generate("carol", nil, time.Hour)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	out, err := interceptor(ctx, nil, info, handler)
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if got := out.(*AuthContext); got.Subject != "carol" {
		t.Errorf("subject = %q, want carol", got.Subject)
	}
}
