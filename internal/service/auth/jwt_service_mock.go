package auth

import (
	"context"

	"github.com/google/uuid"
)

// MockJWTService is a configurable JWTService for tests in other packages.
type MockJWTService struct {
	GenerateTokenFn func(ctx context.Context, ownerID uuid.UUID) (string, error)
	ValidateTokenFn func(ctx context.Context, tokenString string) (*Claims, error)
}

var _ JWTService = (*MockJWTService)(nil)

// GenerateToken invokes GenerateTokenFn, defaulting to a fixed token.
func (m *MockJWTService) GenerateToken(ctx context.Context, ownerID uuid.UUID) (string, error) {
	if m.GenerateTokenFn == nil {
		return "mock-token", nil
	}
	return m.GenerateTokenFn(ctx, ownerID)
}

// ValidateToken invokes ValidateTokenFn, defaulting to ErrInvalidToken.
func (m *MockJWTService) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if m.ValidateTokenFn == nil {
		return nil, ErrInvalidToken
	}
	return m.ValidateTokenFn(ctx, tokenString)
}
