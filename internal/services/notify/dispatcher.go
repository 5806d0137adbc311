package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/cache"
	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/metrics"
	"github.com/BearBump/CourierBox/internal/services/feed"
	"github.com/BearBump/CourierBox/internal/services/tracking"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	ChannelOrders       = "pedidos_channel"
	ChannelOrdersSilent = "pedidos_silent_channel"
	ChannelTracking     = "location_tracking_channel"

	SoundFile = "notificacion.mp3"
	smallIcon = "ic_stat_icon_config_sample"
	iconColor = "#facc15"

	defaultTitle = "📦 Nuevo pedido cercano"
	defaultBody  = "Tienes un nuevo pedido disponible"

	permissionTitle = "Ubicación necesaria"
	// Fixed so a repeated alert replaces the previous one.
	permissionAlertID int32 = 1001

	wakeLimitKey = "notify:wake"
	seenPrefix   = "notify:seen:"
)

// Notification outcomes, as counted in metrics.
const (
	OutcomeDuplicate   = "duplicate"
	OutcomeWake        = "wake"
	OutcomeWakeLimited = "wake_limited"
	OutcomeLocal       = "local"
	OutcomeFailed      = "failed"
)

// Scheduler shows a local notification on the device.
type Scheduler interface {
	Schedule(ctx context.Context, n messages.LocalNotification) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Tracker interface {
	ForceUpdate(ctx context.Context) error
}

type Feed interface {
	Refresh(ctx context.Context) (feed.View, error)
}

type API interface {
	SaveFCMToken(ctx context.Context, token string) error
	SetNotificationSound(ctx context.Context, enabled bool) error
	NotificationSound(ctx context.Context) (bool, error)
}

type Config struct {
	DedupeTTL  time.Duration // default: 24 hours
	WakeLimit  int64         // default: 6
	WakeWindow time.Duration // default: 1 minute
}

func (c Config) withDefaults() Config {
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 24 * time.Hour
	}
	if c.WakeLimit <= 0 {
		c.WakeLimit = 6
	}
	if c.WakeWindow <= 0 {
		c.WakeWindow = time.Minute
	}
	return c
}

// Dispatcher routes incoming pushes either to a silent location update or
// to a local alert followed by a feed refresh.
type Dispatcher struct {
	api       API
	store     cache.Store
	scheduler Scheduler
	limiter   RateLimiter
	tracker   Tracker
	feed      Feed
	metrics   *metrics.CourierMetrics
	cfg       Config
	now       func() time.Time

	mu    sync.Mutex
	sound bool
}

func New(api API, store cache.Store, scheduler Scheduler, cfg Config) *Dispatcher {
	return &Dispatcher{
		api:       api,
		store:     store,
		scheduler: scheduler,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sound:     true,
	}
}

func (d *Dispatcher) WithRateLimiter(rl RateLimiter) *Dispatcher {
	d.limiter = rl
	return d
}

func (d *Dispatcher) WithTracker(t Tracker) *Dispatcher {
	d.tracker = t
	return d
}

func (d *Dispatcher) WithFeed(f Feed) *Dispatcher {
	d.feed = f
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.CourierMetrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) SoundEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sound
}

// Dispatch handles one received push. A push id already seen within the
// dedupe window is dropped; pushes without an id are always handled. A
// failed push is forgotten again so a redelivery is handled.
func (d *Dispatcher) Dispatch(ctx context.Context, p messages.PushNotification) error {
	claimed := false
	if p.ID != "" {
		fresh, err := d.store.SetNX(ctx, seenPrefix+p.ID, []byte("1"), d.cfg.DedupeTTL)
		if err != nil {
			slog.Warn("push dedupe", "id", p.ID, "error", err.Error())
		} else if !fresh {
			d.metrics.IncNotification(OutcomeDuplicate)
			slog.Debug("duplicate push dropped", "id", p.ID)
			return nil
		}
		claimed = err == nil
	}

	err := d.handle(ctx, p)
	if err != nil && claimed {
		if derr := d.store.Del(context.WithoutCancel(ctx), seenPrefix+p.ID); derr != nil {
			slog.Warn("forget failed push", "id", p.ID, "error", derr.Error())
		}
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, p messages.PushNotification) error {
	if p.Type() == messages.TypeWakeForLocation {
		return d.wake(ctx)
	}

	if err := d.scheduler.Schedule(ctx, d.orderAlert(p)); err != nil {
		d.metrics.IncNotification(OutcomeFailed)
		return errors.Wrap(err, "schedule order alert")
	}
	d.metrics.IncNotification(OutcomeLocal)

	if d.feed != nil {
		if _, err := d.feed.Refresh(ctx); err != nil {
			slog.Warn("refresh after push", "id", p.ID, "error", err.Error())
		}
	}
	return nil
}

func (d *Dispatcher) wake(ctx context.Context) error {
	if d.limiter != nil {
		ok, n, err := d.limiter.Allow(ctx, wakeLimitKey, d.cfg.WakeLimit, d.cfg.WakeWindow)
		if err != nil {
			slog.Warn("wake rate limit", "error", err.Error())
		} else if !ok {
			d.metrics.IncNotification(OutcomeWakeLimited)
			slog.Info("wake push rate limited", "count", n)
			return nil
		}
	}
	d.metrics.IncNotification(OutcomeWake)
	return d.forceUpdate(ctx)
}

// forceUpdate treats a missing fix as nothing to send.
func (d *Dispatcher) forceUpdate(ctx context.Context) error {
	if d.tracker == nil {
		return nil
	}
	err := d.tracker.ForceUpdate(ctx)
	if errors.Is(err, tracking.ErrNoPosition) {
		slog.Info("wake for location without a known position")
		return nil
	}
	return errors.Wrap(err, "wake for location")
}

func (d *Dispatcher) orderAlert(p messages.PushNotification) messages.LocalNotification {
	ref := uuid.New()
	n := messages.LocalNotification{
		ID:          int32(ref.ID() & 0x7fffffff),
		Title:       firstNonBlank(p.Title, defaultTitle),
		Body:        firstNonBlank(p.Body, defaultBody),
		ChannelID:   ChannelOrders,
		SmallIcon:   smallIcon,
		IconColor:   iconColor,
		Ref:         ref.String(),
		ScheduledAt: d.now().UTC(),
		Extra:       map[string]any{},
	}
	if d.SoundEnabled() {
		n.Sound = SoundFile
	} else {
		n.ChannelID = ChannelOrdersSilent
	}
	if id := p.OrderID(); id > 0 {
		n.Extra["pedidoId"] = id
	}
	return n
}

func firstNonBlank(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Tapped handles a tap on a push. A wake push forces a location update and
// yields 0; any other push yields the order id to open, if any.
func (d *Dispatcher) Tapped(ctx context.Context, p messages.PushNotification) (int64, error) {
	if p.Type() == messages.TypeWakeForLocation {
		return 0, d.forceUpdate(ctx)
	}
	return p.OrderID(), nil
}

// PermissionDenied shows the ongoing explanation after a location denial.
func (d *Dispatcher) PermissionDenied(ctx context.Context, explanation string) error {
	err := d.scheduler.Schedule(ctx, messages.LocalNotification{
		ID:          permissionAlertID,
		Title:       permissionTitle,
		Body:        explanation,
		ChannelID:   ChannelTracking,
		SmallIcon:   smallIcon,
		IconColor:   iconColor,
		Ongoing:     true,
		Ref:         uuid.NewString(),
		ScheduledAt: d.now().UTC(),
	})
	return errors.Wrap(err, "schedule permission alert")
}

func (d *Dispatcher) SetSound(ctx context.Context, enabled bool) error {
	if err := d.api.SetNotificationSound(ctx, enabled); err != nil {
		return err
	}
	d.mu.Lock()
	d.sound = enabled
	d.mu.Unlock()
	return nil
}

// LoadSound reads the server-side sound preference.
func (d *Dispatcher) LoadSound(ctx context.Context) error {
	enabled, err := d.api.NotificationSound(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sound = enabled
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) RegisterToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errs.New(errs.CodeValidation, "push token is required")
	}
	return d.api.SaveFCMToken(ctx, token)
}
