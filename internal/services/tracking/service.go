package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/cache"
	"github.com/BearBump/CourierBox/internal/geo"
	"github.com/BearBump/CourierBox/internal/metrics"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

// Durable keys. They survive restarts when the store is Redis.
const (
	KeyActive     = "tracking:active"
	KeyPermission = "tracking:permission"
)

type Config struct {
	PushInterval      time.Duration // default: 10 seconds
	HeartbeatInterval time.Duration // default: 60 seconds
	MinDistanceMeters float64       // default: 10

	PermissionTimeout    time.Duration // default: 60 seconds
	PermissionMaxAge     time.Duration // default: 10 minutes
	PermissionAttempts   int           // default: 3
	PermissionRetryDelay time.Duration // default: 1 second

	WatchTimeout time.Duration // default: 45 seconds
	WatchMaxAge  time.Duration // default: 30 seconds
}

func DefaultConfig() Config {
	return Config{
		PushInterval:         10 * time.Second,
		HeartbeatInterval:    60 * time.Second,
		MinDistanceMeters:    geo.MinMovementMeters,
		PermissionTimeout:    60 * time.Second,
		PermissionMaxAge:     10 * time.Minute,
		PermissionAttempts:   3,
		PermissionRetryDelay: time.Second,
		WatchTimeout:         45 * time.Second,
		WatchMaxAge:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PushInterval <= 0 {
		c.PushInterval = def.PushInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MinDistanceMeters <= 0 {
		c.MinDistanceMeters = def.MinDistanceMeters
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = def.PermissionTimeout
	}
	if c.PermissionMaxAge <= 0 {
		c.PermissionMaxAge = def.PermissionMaxAge
	}
	if c.PermissionAttempts <= 0 {
		c.PermissionAttempts = def.PermissionAttempts
	}
	if c.PermissionRetryDelay <= 0 {
		c.PermissionRetryDelay = def.PermissionRetryDelay
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = def.WatchTimeout
	}
	if c.WatchMaxAge <= 0 {
		c.WatchMaxAge = def.WatchMaxAge
	}
	return c
}

// run owns the goroutines of one tracking session.
type run struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Service owns the permission and tracking lifecycle of one courier.
type Service struct {
	api     API
	locator Locator
	store   cache.Store
	alerts  AlertSink
	metrics *metrics.CourierMetrics
	cfg     Config

	mu         sync.Mutex
	permission models.PermissionStatus
	permLoaded bool
	tracking   bool
	epoch      uint64
	current    *run
	latest     *models.Position
	anchor     *models.Position
	pending    *models.Position
	lastPush   time.Time
	lastBeat   time.Time
}

func New(api API, locator Locator, store cache.Store, cfg Config) *Service {
	return &Service{
		api:        api,
		locator:    locator,
		store:      store,
		cfg:        cfg.withDefaults(),
		permission: models.PermissionPrompt,
	}
}

func (s *Service) WithAlerts(a AlertSink) *Service {
	s.alerts = a
	return s
}

func (s *Service) WithMetrics(m *metrics.CourierMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) State() models.TrackingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.TrackingState{
		IsTracking:       s.tracking,
		PermissionStatus: s.permission,
	}
	if s.latest != nil {
		p := *s.latest
		st.LastPosition = &p
	}
	if !s.lastPush.IsZero() {
		t := s.lastPush
		st.LastPushAt = &t
	}
	if !s.lastBeat.IsZero() {
		t := s.lastBeat
		st.LastHeartbeatAt = &t
	}
	return st
}

func (s *Service) IsTracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracking
}

// StartTracking persists the durable flag and starts the watch, push and
// heartbeat loops. It is a no-op when tracking is already active.
func (s *Service) StartTracking(ctx context.Context) error {
	perm, err := s.PermissionStatus(ctx)
	if err != nil {
		return err
	}
	if s.IsTracking() {
		return nil
	}
	if perm != models.PermissionGranted {
		return ErrPermissionRequired
	}

	if err := s.store.Set(ctx, KeyActive, []byte("true"), 0); err != nil {
		return errors.Wrap(err, "persist tracking flag")
	}

	s.mu.Lock()
	if s.tracking {
		s.mu.Unlock()
		return nil
	}
	s.tracking = true
	s.epoch++
	epoch := s.epoch
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel}
	s.current = r
	r.wg.Add(3)
	go s.watchLoop(runCtx, r, epoch)
	go s.pushLoop(runCtx, r, epoch)
	go s.heartbeatLoop(runCtx, r)
	s.mu.Unlock()

	s.metrics.SetTracking(true)
	slog.Info("tracking started", "epoch", epoch)
	return nil
}

// StopTracking clears the durable flag and waits for every loop to exit.
func (s *Service) StopTracking(ctx context.Context) error {
	s.halt()
	if err := s.store.Del(ctx, KeyActive); err != nil {
		return errors.Wrap(err, "clear tracking flag")
	}
	return nil
}

// Shutdown stops the loops but keeps the durable flag, so the next process
// resumes tracking.
func (s *Service) Shutdown(ctx context.Context) error {
	s.halt()
	return nil
}

func (s *Service) halt() {
	s.mu.Lock()
	r := s.current
	wasTracking := s.tracking
	s.current = nil
	s.tracking = false
	s.pending = nil
	s.anchor = nil
	s.epoch++
	s.mu.Unlock()

	if r != nil {
		r.cancel()
		r.wg.Wait()
	}
	if wasTracking {
		s.metrics.SetTracking(false)
		slog.Info("tracking stopped")
	}
}

// CheckPendingTracking resumes tracking when the durable flag survived a
// restart. A persisted grant is trusted without asking again.
func (s *Service) CheckPendingTracking(ctx context.Context) (bool, error) {
	_, ok, err := s.store.Get(ctx, KeyActive)
	if err != nil {
		return false, errors.Wrap(err, "read tracking flag")
	}
	if !ok {
		return false, nil
	}
	perm, err := s.PermissionStatus(ctx)
	if err != nil {
		return false, err
	}
	if perm != models.PermissionGranted {
		if _, err := s.RequestPermission(ctx); err != nil {
			return false, errors.Wrap(err, "resume tracking")
		}
	}
	if err := s.StartTracking(ctx); err != nil {
		return false, errors.Wrap(err, "resume tracking")
	}
	return true, nil
}

// ForceUpdate pushes the last known position right away.
func (s *Service) ForceUpdate(ctx context.Context) error {
	s.mu.Lock()
	if s.latest == nil {
		s.mu.Unlock()
		return ErrNoPosition
	}
	p := *s.latest
	epoch := s.epoch
	s.mu.Unlock()

	err := s.api.PushLocation(ctx, p)
	s.metrics.ObservePush(err)
	if err != nil {
		return errors.Wrap(err, "force location push")
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.lastPush = time.Now().UTC()
		s.anchor = &p
		if s.pending != nil && *s.pending == p {
			s.pending = nil
		}
	}
	s.mu.Unlock()
	return nil
}

// record applies the movement filter. A fix within MinDistanceMeters of the
// anchor only refreshes the last known position.
func (s *Service) record(epoch uint64, p models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	cp := p
	s.latest = &cp
	if s.anchor != nil && !geo.Moved(s.anchor.Latitude, s.anchor.Longitude, p.Latitude, p.Longitude, s.cfg.MinDistanceMeters) {
		return
	}
	s.anchor = &cp
	s.pending = &cp
}

func (s *Service) watchLoop(ctx context.Context, r *run, epoch uint64) {
	defer r.wg.Done()
	ch, err := s.locator.Watch(ctx, PositionOptions{
		HighAccuracy: true,
		Timeout:      s.cfg.WatchTimeout,
		MaximumAge:   s.cfg.WatchMaxAge,
	})
	if err != nil {
		slog.Error("start location watch", "error", err.Error())
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			s.record(epoch, p)
		}
	}
}

func (s *Service) pushLoop(ctx context.Context, r *run, epoch uint64) {
	defer r.wg.Done()
	t := time.NewTicker(s.cfg.PushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.pushOnce(ctx, epoch)
		}
	}
}

// pushOnce sends the pending position, if any. A result that lands after
// a stop or restart is dropped.
func (s *Service) pushOnce(ctx context.Context, epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || s.pending == nil {
		s.mu.Unlock()
		return
	}
	p := *s.pending
	s.pending = nil
	s.mu.Unlock()

	err := s.api.PushLocation(ctx, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	s.metrics.ObservePush(err)
	if err != nil {
		if s.pending == nil {
			s.pending = &p
		}
		slog.Warn("push location", "error", err.Error())
		return
	}
	s.lastPush = time.Now().UTC()
}

func (s *Service) heartbeatLoop(ctx context.Context, r *run) {
	defer r.wg.Done()
	s.beat(ctx)
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.beat(ctx)
		}
	}
}

func (s *Service) beat(ctx context.Context) {
	err := s.api.Heartbeat(ctx)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ObserveHeartbeat(err)
	if err != nil {
		slog.Warn("heartbeat", "error", err.Error())
		return
	}
	s.mu.Lock()
	s.lastBeat = time.Now().UTC()
	s.mu.Unlock()
}
