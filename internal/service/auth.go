// Package service contains the application services: authentication, the device
// deactivation approval protocol, group configuration sync and administration.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	pkgcrypto "github.com/and161185/citadel/internal/crypto"
	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/limiter"
	"github.com/and161185/citadel/internal/model"
	"github.com/and161185/citadel/internal/repository"
	"github.com/golang-jwt/jwt/v5"
)

// tokenLeeway tolerates clock skew between the server and agents.
const tokenLeeway = 30 * time.Second

// AuthService defines session issue and verification.
type AuthService interface {
	// Login applies rate-limiting and authenticates the user by email and password.
	Login(ctx context.Context, email, password, ip string) (model.Tokens, model.Identity, error)
	// ParseToken verifies an access token and returns the identity it was issued for.
	ParseToken(token string) (model.Identity, error)
	// CurrentRole reads the user's role from the store. A deleted user is unauthorized.
	CurrentRole(ctx context.Context, userID int64) (string, error)
}

type accessClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthServiceImpl struct {
	users     repository.UserRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	now       func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, signKey: signKey, accessTTL: accessTTL, lim: lim, now: time.Now}
}

// Login authenticates with rate limiting by (email, ip).
func (s *AuthServiceImpl) Login(ctx context.Context, email, password, ip string) (model.Tokens, model.Identity, error) {
	email = limiter.NormalizeEmail(email)
	if email == "" || password == "" {
		return model.Tokens{}, model.Identity{}, fmt.Errorf("%w: email and password are required", errs.ErrValidation)
	}
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, email, ipHash)
	if err != nil {
		return model.Tokens{}, model.Identity{}, err
	}
	if !allowed {
		return model.Tokens{}, model.Identity{}, errs.ErrRateLimited
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, model.Identity{}, err
	}
	hash := pkgcrypto.DummyHash
	if u != nil {
		hash = u.PwdHash
	}
	if !pkgcrypto.VerifyPassword([]byte(password), hash) || u == nil {
		if blocked, _, ferr := s.lim.Failure(ctx, email, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.Identity{}, errs.ErrRateLimited
		}
		// unknown email and wrong password look the same
		return model.Tokens{}, model.Identity{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, email, ipHash)

	role, err := s.users.RoleName(ctx, u.ID)
	if err != nil {
		return model.Tokens{}, model.Identity{}, err
	}
	id := model.Identity{UserID: u.ID, Role: role}

	access, exp, err := s.issueAccessToken(id)
	if err != nil {
		return model.Tokens{}, model.Identity{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, id, nil
}

// issueAccessToken creates a signed HS256 JWT for the given identity.
func (s *AuthServiceImpl) issueAccessToken(id model.Identity) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := accessClaims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// ParseToken accepts only HS256 tokens signed with the server key.
func (s *AuthServiceImpl) ParseToken(token string) (model.Identity, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return model.Identity{}, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return model.Identity{UserID: uid, Role: claims.Role}, nil
}

// CurrentRole returns the role the user holds now, not the one baked into a token.
func (s *AuthServiceImpl) CurrentRole(ctx context.Context, userID int64) (string, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", errs.ErrUnauthorized
		}
		return "", err
	}
	return s.users.RoleName(ctx, userID)
}
