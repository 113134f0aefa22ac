// Package auth registers trainee accounts and issues session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/BTreeMap/PatientSim/internal/models"
	"github.com/BTreeMap/PatientSim/internal/store"
)

const (
	// DefaultTokenTTL is the lifetime of an issued token.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultInsecureSecret is used when no signing secret is configured.
	// Tokens signed with it can be forged by anyone who reads this file.
	DefaultInsecureSecret = "patientsim-insecure-dev-secret"
	// Issuer is set on every token.
	Issuer = "patientsim"
)

// ErrInvalidToken is returned by Verify for a missing, malformed, expired or forged token.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims of a session token. Subject is the user ID.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// LoginResult is a successful login.
type LoginResult struct {
	Token string
	User  models.User
}

// Service implements registration, login and token verification.
type Service struct {
	users  store.UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	cost   int
}

// Option configures a Service.
type Option func(*Service)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithClock overrides the clock used for token timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// IsInsecureSecret reports whether secret is empty or the built-in default.
func IsInsecureSecret(secret string) bool {
	return secret == "" || secret == DefaultInsecureSecret
}

// NewService creates an auth service. An empty secret falls back to
// DefaultInsecureSecret with a warning.
func NewService(users store.UserStore, secret string, opts ...Option) *Service {
	if IsInsecureSecret(secret) {
		slog.Warn("auth.NewService: JWT_SECRET not set, using insecure default secret; tokens can be forged")
		secret = DefaultInsecureSecret
	}
	s := &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		cost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an account. It returns models.ErrBadRequest for missing
// fields and models.ErrUsernameTaken for a duplicate username.
func (s *Service) Register(ctx context.Context, username, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	if err := (models.CredentialsRequest{Username: username, Password: password}).Validate(); err != nil {
		return models.User{}, err
	}

	existing, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return models.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return models.User{}, models.ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return models.User{}, err
	}
	slog.Info("auth.Register: user registered", "userID", u.ID, "username", u.Username)
	return u, nil
}

// Login checks credentials and issues a token. Unknown users and wrong
// passwords both return models.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if err := (models.CredentialsRequest{Username: username, Password: password}).Validate(); err != nil {
		return LoginResult{}, err
	}

	u, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		return LoginResult{}, models.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		slog.Debug("auth.Login: password mismatch", "username", username)
		return LoginResult{}, models.ErrInvalidCredentials
	}

	token, err := s.Issue(*u)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, User: *u}, nil
}

// Issue signs a token for u.
func (s *Service) Issue(u models.User) (string, error) {
	now := s.now()
	claims := Claims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (s *Service) Verify(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
