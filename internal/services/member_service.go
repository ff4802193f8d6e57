package services

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gymhealth_checkout/internal/auth"
	"gymhealth_checkout/internal/config"
)

func memberActiveKey(userID string) string { return "member:" + userID + ":active" }
func memberGenKey(userID string) string    { return "member:" + userID + ":gen" }

// memberHistoryKey is scoped by the member's cache generation so that dropping the
// generation key orphans every cached page at once
func memberHistoryKey(userID, gen string, page int) string {
	return "member:" + userID + ":history:" + gen + ":" + strconv.Itoa(page)
}

// MemberService serves the package and subscription screens from the backend, cached in
// Redis. A nil cache disables caching.
type MemberService struct {
	api   *GymAPIService
	cache *RedisCache
	cfg   config.CacheConfig
}

func NewMemberService(api *GymAPIService, cache *RedisCache, cfg config.CacheConfig) *MemberService {
	return &MemberService{api: api, cache: cache, cfg: cfg}
}

func cached[T any](s *MemberService, ctx context.Context, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	if s.cache == nil {
		return fn()
	}
	return GetOrSet(s.cache, ctx, key, ttl, fn)
}

// Packages lists the gym packages matching query
func (s *MemberService) Packages(ctx context.Context, query PackageQuery) ([]Package, error) {
	key := "packages:" + query.values().Encode()
	return cached(s, ctx, key, s.cfg.PackagesTTL, func() ([]Package, error) {
		return s.api.Packages(ctx, query)
	})
}

// ActiveSubscription returns the member's active subscription, nil when there is none
func (s *MemberService) ActiveSubscription(ctx context.Context, sess *auth.Session) (*Subscription, error) {
	return cached(s, ctx, memberActiveKey(sess.UserID), s.cfg.MemberTTL, func() (*Subscription, error) {
		return s.api.ActiveSubscription(ctx, sess.Token)
	})
}

// SubscriptionHistory returns one page of the member's subscriptions
func (s *MemberService) SubscriptionHistory(ctx context.Context, sess *auth.Session, page int) (*SubscriptionPage, error) {
	if page < 1 {
		page = 1
	}
	key := memberHistoryKey(sess.UserID, "0", page)
	if s.cache != nil {
		gen, err := GetOrSet(s.cache, ctx, memberGenKey(sess.UserID), s.cfg.MemberTTL, func() (string, error) {
			return uuid.NewString()[:8], nil
		})
		if err != nil {
			return nil, err
		}
		key = memberHistoryKey(sess.UserID, gen, page)
	}
	return cached(s, ctx, key, s.cfg.MemberTTL, func() (*SubscriptionPage, error) {
		return s.api.SubscriptionHistory(ctx, sess.Token, page)
	})
}

// Forget drops the cached subscription data of a member. History pages are dropped by
// rotating the member's generation.
func (s *MemberService) Forget(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, memberActiveKey(userID), memberGenKey(userID))
}
