package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/cache"
	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

const (
	sessionKey = "session:user"
	DefaultTTL = 7 * 24 * time.Hour
)

type API interface {
	CurrentUser(ctx context.Context) (models.User, error)
	Logout(ctx context.Context) error
}

// Service memoizes the logged-in courier for the lifetime of the session.
type Service struct {
	api   API
	store cache.Store
	ttl   time.Duration

	mu   sync.Mutex
	user *models.User

	onInvalidate []func()
}

func New(api API, store cache.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{api: api, store: store, ttl: ttl}
}

// OnInvalidate registers fn to run after the session is dropped.
func (s *Service) OnInvalidate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidate = append(s.onInvalidate, fn)
}

// Current returns the memoized user, falling back to the persisted session
// and then the API. An auth error from the API drops the session.
func (s *Service) Current(ctx context.Context) (models.User, error) {
	s.mu.Lock()
	if s.user != nil {
		u := *s.user
		s.mu.Unlock()
		return u, nil
	}
	s.mu.Unlock()

	if s.store != nil {
		b, ok, err := s.store.Get(ctx, sessionKey)
		if err != nil {
			slog.Warn("read persisted session", "error", err.Error())
		} else if ok {
			var u models.User
			if json.Unmarshal(b, &u) == nil && u.ID != 0 {
				s.remember(u)
				return u, nil
			}
		}
	}

	u, err := s.api.CurrentUser(ctx)
	if err != nil {
		if errs.IsAuth(err) {
			s.Invalidate(ctx)
		}
		return models.User{}, err
	}
	if u.ID == 0 {
		return models.User{}, errs.New(errs.CodeUnauthorized, "no user in session")
	}
	s.remember(u)
	if s.store != nil {
		b, _ := json.Marshal(u)
		if err := s.store.Set(ctx, sessionKey, b, s.ttl); err != nil {
			slog.Warn("persist session", "error", err.Error())
		}
	}
	return u, nil
}

func (s *Service) remember(u models.User) {
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
}

// Observe drops the session when err is an authentication error. Callers
// pass every API error through it.
func (s *Service) Observe(ctx context.Context, err error) {
	if err != nil && errs.IsAuth(err) {
		s.Invalidate(ctx)
	}
}

func (s *Service) Invalidate(ctx context.Context) {
	s.mu.Lock()
	had := s.user != nil
	s.user = nil
	hooks := append([]func(){}, s.onInvalidate...)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Del(ctx, sessionKey); err != nil {
			slog.Warn("drop persisted session", "error", err.Error())
		}
	}
	if had {
		slog.Info("session invalidated")
	}
	for _, fn := range hooks {
		fn()
	}
}

// Logout tells the backend and drops the session even if the call fails.
func (s *Service) Logout(ctx context.Context) error {
	err := s.api.Logout(ctx)
	s.Invalidate(ctx)
	if err != nil {
		return errors.Wrap(err, "logout")
	}
	return nil
}
