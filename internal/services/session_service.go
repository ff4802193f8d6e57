package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/auth"
)

// UserLookup resolves a bearer token to the member it belongs to
type UserLookup interface {
	CurrentUser(ctx context.Context, token string) (*GymUser, error)
}

// SessionService turns bearer tokens into explicit sessions. Sessions are cached in Redis
// under a hash of the token so the raw token is never used as a key.
type SessionService struct {
	users UserLookup
	cache StatusCache
	ttl   time.Duration
	log   *zap.Logger
}

func NewSessionService(users UserLookup, cache StatusCache, ttl time.Duration, log *zap.Logger) *SessionService {
	return &SessionService{users: users, cache: cache, ttl: ttl, log: log.Named("session")}
}

func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "session:" + hex.EncodeToString(sum[:])
}

// Resolve returns the session of token, asking the backend on a cache miss
func (s *SessionService) Resolve(ctx context.Context, token string) (*auth.Session, error) {
	key := sessionKey(token)

	var sess auth.Session
	if err := s.cache.Get(ctx, key, &sess); err == nil && sess.UserID != "" {
		sess.Token = token
		return &sess, nil
	}

	user, err := s.users.CurrentUser(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "resolve session")
	}
	sess = auth.Session{
		Token:    token,
		UserID:   string(user.ID),
		Username: user.Username,
		Email:    user.Email,
		Name:     firstNonBlank(strings.TrimSpace(user.FirstName+" "+user.LastName), user.Username),
		Role:     user.Role,
	}
	if err := s.cache.Set(ctx, key, sess, s.ttl); err != nil {
		s.log.Warn("failed to cache session", zap.String("user_id", sess.UserID), zap.Error(err))
	}
	return &sess, nil
}

// Logout forgets the cached session so the next request asks the backend again
func (s *SessionService) Logout(ctx context.Context, token string) error {
	if err := s.cache.Delete(ctx, sessionKey(token)); err != nil {
		return errors.Wrap(err, "logout")
	}
	return nil
}
