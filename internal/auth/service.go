// Package auth stores credentials and issues session tokens. Passwords
// are hashed with bcrypt and verified with its constant-time compare;
// sessions are HS256 JWTs carrying the username and role, threaded
// explicitly through calls instead of ambient state.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/savegress/labbridge/pkg/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username already registered")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Service is the credential store and session issuer.
type Service struct {
	secret   []byte
	tokenTTL time.Duration

	mu    sync.RWMutex
	users map[string]*storedUser
}

type storedUser struct {
	username     string
	passwordHash []byte
	role         models.Role
}

// NewService creates an auth service. A zero TTL defaults to 12 hours.
func NewService(secret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    make(map[string]*storedUser),
	}
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(username, password string, role models.Role) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	switch role {
	case models.RoleDoctor, models.RoleNurse, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = &storedUser{username: username, passwordHash: hash, role: role}
	return nil
}

// Login verifies credentials and returns a signed session token.
func (s *Service) Login(username, password string) (string, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		// Burn a compare anyway so missing users cost the same as
		// wrong passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  u.username,
		"role": string(u.role),
		"iat":  now.Unix(),
		"exp":  now.Add(s.tokenTTL).Unix(),
	})
	return token.SignedString(s.secret)
}

// CurrentUser validates a session token and returns its identity.
func (s *Service) CurrentUser(tokenString string) (*models.User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	username, ok := claims["sub"].(string)
	if !ok || username == "" {
		return nil, ErrInvalidToken
	}
	role, _ := claims["role"].(string)

	return &models.User{Username: username, Role: models.Role(role)}, nil
}
