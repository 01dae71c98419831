package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musegen/musegen-api/internal/service/auth"
)

func TestAuthMiddleware_Authenticate(t *testing.T) {
	t.Parallel()

	ownerID := uuid.New()

	okHandler := func(t *testing.T) (http.Handler, *uuid.UUID) {
		t.Helper()
		var gotOwner uuid.UUID
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetOwnerID(r)
			require.True(t, ok)
			gotOwner = id
			w.WriteHeader(http.StatusOK)
		})
		return h, &gotOwner
	}

	t.Run("valid token passes owner ID through", func(t *testing.T) {
		t.Parallel()

		jwtService := &auth.MockJWTService{
			ValidateTokenFn: func(ctx context.Context, tokenString string) (*auth.Claims, error) {
				assert.Equal(t, "good-token", tokenString)
				return &auth.Claims{OwnerID: ownerID}, nil
			},
		}

		next, gotOwner := okHandler(t)
		mw := NewAuthMiddleware(jwtService)

		req := httptest.NewRequest(http.MethodGet, "/api/generations", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		rec := httptest.NewRecorder()

		mw.Authenticate(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, ownerID, *gotOwner)
	})

	t.Run("missing header returns 401", func(t *testing.T) {
		t.Parallel()

		mw := NewAuthMiddleware(&auth.MockJWTService{})
		next, _ := okHandler(t)

		req := httptest.NewRequest(http.MethodGet, "/api/generations", nil)
		rec := httptest.NewRecorder()

		mw.Authenticate(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header returns 401", func(t *testing.T) {
		t.Parallel()

		mw := NewAuthMiddleware(&auth.MockJWTService{})
		next, _ := okHandler(t)

		req := httptest.NewRequest(http.MethodGet, "/api/generations", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()

		mw.Authenticate(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		t.Parallel()

		jwtService := &auth.MockJWTService{
			ValidateTokenFn: func(ctx context.Context, tokenString string) (*auth.Claims, error) {
				return nil, auth.ErrExpiredToken
			},
		}

		mw := NewAuthMiddleware(jwtService)
		next, _ := okHandler(t)

		req := httptest.NewRequest(http.MethodGet, "/api/generations", nil)
		req.Header.Set("Authorization", "Bearer stale")
		rec := httptest.NewRecorder()

		mw.Authenticate(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Token expired")
	})

	t.Run("unexpected validation error returns 500", func(t *testing.T) {
		t.Parallel()

		jwtService := &auth.MockJWTService{
			ValidateTokenFn: func(ctx context.Context, tokenString string) (*auth.Claims, error) {
				return nil, assert.AnError
			},
		}

		mw := NewAuthMiddleware(jwtService)
		next, _ := okHandler(t)

		req := httptest.NewRequest(http.MethodGet, "/api/generations", nil)
		req.Header.Set("Authorization", "Bearer whatever")
		rec := httptest.NewRecorder()

		mw.Authenticate(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
