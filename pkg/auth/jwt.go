package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// Claims are the JWT claims issued and verified by the service.
type Claims struct {
	jwt.RegisteredClaims
	Username  string   `json:"username,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"token_type,omitempty"` // access, refresh
}

// Service implements Identity over a UserStore with HMAC-signed JWTs.
type Service struct {
	store           UserStore
	secret          []byte
	issuer          string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

// NewService creates the identity service.
func NewService(store UserStore, cfg config.AuthConfig) *Service {
	return &Service{
		store:           store,
		secret:          []byte(cfg.Secret),
		issuer:          cfg.Issuer,
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
	}
}

// Authenticate verifies a username/password pair and returns signed tokens.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.AuthResult, error) {
	user, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil || !user.Active {
		return &models.AuthResult{Success: false, Error: "invalid credentials"}, nil
	}

	ok, err := s.store.VerifyPassword(ctx, user.ID, password)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return &models.AuthResult{Success: false, Error: "invalid credentials"}, nil
	}

	access, err := s.issueToken(user, "access", s.accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.issueToken(user, "refresh", s.refreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	return &models.AuthResult{
		Success:      true,
		User:         user,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// HasPermission reports whether the user may perform action on resource.
func (s *Service) HasPermission(ctx context.Context, userID, resource, action string) (bool, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("find user: %w", err)
	}
	if user == nil || !user.Active {
		return false, nil
	}
	return RoleHasPermission(user.Roles, resource+"."+action), nil
}

// GetUserRoles returns the role names of a user.
func (s *Service) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, nil
	}
	return user.Roles, nil
}

func (s *Service) issueToken(user *models.User, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  user.Username,
		Email:     user.Email,
		Roles:     user.Roles,
		TokenType: tokenType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token, returning its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
