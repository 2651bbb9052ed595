package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "ptw:principal:version"
	cachePrefix     = "ptw:principal"
)

// ErrNotFound indicates that the requested principal does not exist.
var ErrNotFound = errors.New("rbac: principal not found")

// PrincipalRepository loads principals from the identity store.
type PrincipalRepository interface {
	FindPrincipal(ctx context.Context, userID int64) (Principal, error)
}

// CacheObserver records cache lookups.
type CacheObserver interface {
	ObservePrincipalCache(result string)
}

// Service resolves principals, caching them in Redis.
type Service struct {
	repo     PrincipalRepository
	cache    *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
	observer CacheObserver
	group    singleflight.Group
}

// ServiceConfig groups optional dependencies of Service.
type ServiceConfig struct {
	Cache    *redis.Client
	TTL      time.Duration
	Logger   *slog.Logger
	Observer CacheObserver
}

// NewService constructs a Service. A nil cache disables caching.
func NewService(repo PrincipalRepository, cfg ServiceConfig) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cfg.Cache, ttl: ttl, logger: logger, observer: cfg.Observer}
}

// LoadPrincipal returns the principal for userID. Concurrent loads of the same
// user share one repository round-trip.
func (s *Service) LoadPrincipal(ctx context.Context, userID int64) (*Principal, error) {
	key := strconv.FormatInt(userID, 10)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.load(context.WithoutCancel(ctx), userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		p := res.Val.(Principal)
		return &p, nil
	}
}

func (s *Service) load(ctx context.Context, userID int64) (Principal, error) {
	cacheKey, err := s.cacheKey(ctx, userID)
	if err != nil {
		s.observe("error")
		s.logger.Warn("principal cache version", slog.Any("error", err))
	}
	if cacheKey != "" {
		raw, err := s.cache.Get(ctx, cacheKey).Bytes()
		switch {
		case err == nil:
			var p Principal
			if err := json.Unmarshal(raw, &p); err == nil {
				s.observe("hit")
				return p, nil
			}
			s.observe("error")
		case errors.Is(err, redis.Nil):
			s.observe("miss")
		default:
			s.observe("error")
			s.logger.Warn("principal cache get", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}

	p, err := s.repo.FindPrincipal(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	if cacheKey != "" {
		if raw, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, cacheKey, raw, s.ttl).Err(); err != nil {
				s.logger.Warn("principal cache set", slog.Int64("user_id", userID), slog.Any("error", err))
			}
		}
	}
	return p, nil
}

// Invalidate retires the cached principal for userID by bumping its version.
// A load that read the previous version and finishes afterwards writes an
// entry nobody will look up again.
func (s *Service) Invalidate(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}
	key := userVersionKey(userID)
	_, err := s.cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		// Outlives every entry written under an older version.
		pipe.Expire(ctx, key, 2*s.ttl)
		return nil
	})
	return err
}

// InvalidateAll bumps the global cache version so every cached principal is
// ignored. Used when a role bundle changes.
func (s *Service) InvalidateAll(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Incr(ctx, cacheVersionKey).Err()
}

func userVersionKey(userID int64) string {
	return fmt.Sprintf("%s:%d", cacheVersionKey, userID)
}

func (s *Service) cacheKey(ctx context.Context, userID int64) (string, error) {
	if s.cache == nil {
		return "", nil
	}
	vals, err := s.cache.MGet(ctx, cacheVersionKey, userVersionKey(userID)).Result()
	if err != nil {
		return "", err
	}
	var ver [2]int64
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, _ := v.(string)
		if ver[i], err = strconv.ParseInt(str, 10, 64); err != nil {
			return "", fmt.Errorf("rbac: cache version %q: %w", str, err)
		}
	}
	return fmt.Sprintf("%s:%d:v%d.%d", cachePrefix, userID, ver[0], ver[1]), nil
}

func (s *Service) observe(result string) {
	if s.observer != nil {
		s.observer.ObservePrincipalCache(result)
	}
}
