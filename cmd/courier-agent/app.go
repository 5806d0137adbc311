package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/broker/kafka"
	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/cache"
	"github.com/BearBump/CourierBox/internal/cache/rediscache"
	"github.com/BearBump/CourierBox/internal/integrations/backend"
	"github.com/BearBump/CourierBox/internal/integrations/device/bridge"
	"github.com/BearBump/CourierBox/internal/integrations/device/simulated"
	"github.com/BearBump/CourierBox/internal/integrations/transport"
	"github.com/BearBump/CourierBox/internal/integrations/transport/fake"
	"github.com/BearBump/CourierBox/internal/integrations/transport/fetchhttp"
	"github.com/BearBump/CourierBox/internal/integrations/transport/nativebridge"
	"github.com/BearBump/CourierBox/internal/metrics"
	"github.com/BearBump/CourierBox/internal/services/feed"
	"github.com/BearBump/CourierBox/internal/services/notify"
	"github.com/BearBump/CourierBox/internal/services/realtime"
	"github.com/BearBump/CourierBox/internal/services/realtime/pollshim"
	"github.com/BearBump/CourierBox/internal/services/realtime/wsclient"
	"github.com/BearBump/CourierBox/internal/services/session"
	"github.com/BearBump/CourierBox/internal/services/tracking"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// device is the phone: where positions come from and alerts go.
type device interface {
	tracking.Locator
	notify.Scheduler
}

type pushConsumer interface {
	ConsumePushes(ctx context.Context, handle func(ctx context.Context, p messages.PushNotification) error) error
	Close() error
}

type agentFactories struct {
	newStore        func(cfg *config.Config) (store cache.Store, closeFn func(), err error)
	newRateLimiter  func(cfg *config.Config) notify.RateLimiter
	newDevice       func(cfg *config.Config) device
	newTransport    func(cfg *config.Config) transport.Transport
	newPushConsumer func(cfg *config.Config) pushConsumer
	newPublisher    func(cfg *config.Config) (notify.Scheduler, func())

	onListen func(httpAddr string)
}

func redisAddr(cfg *config.Config) string {
	port := cfg.Redis.Port
	if port <= 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, port)
}

func kafkaBrokers(cfg *config.Config) []string {
	port := cfg.Kafka.Port
	if port <= 0 {
		port = 9092
	}
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, port)}
}

func defaultAgentFactories() agentFactories {
	return agentFactories{
		newStore: func(cfg *config.Config) (cache.Store, func(), error) {
			if cfg.Redis.Host == "" {
				slog.Warn("redis not configured, tracking flags will not survive a restart")
				return cache.NewMemory(), nil, nil
			}
			rc := rediscache.New(redisAddr(cfg))
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := rc.Ping(ctx); err != nil {
				_ = rc.Close()
				return nil, nil, err
			}
			return rc, func() { _ = rc.Close() }, nil
		},
		newRateLimiter: func(cfg *config.Config) notify.RateLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewRateLimiter(redisAddr(cfg))
		},
		newDevice: func(cfg *config.Config) device {
			if cfg.Device.Mode == "bridge" {
				return bridge.New(cfg.Device.BridgeURL).
					WithWatchInterval(time.Duration(cfg.Device.WatchIntervalSeconds) * time.Second)
			}
			lat, lng := cfg.Device.SimLatitude, cfg.Device.SimLongitude
			if lat == 0 && lng == 0 {
				// Tunja.
				lat, lng = 5.5353, -73.3678
			}
			return simulated.New(lat, lng)
		},
		newTransport: func(cfg *config.Config) transport.Transport {
			switch cfg.API.Transport {
			case "fake":
				return fake.Demo()
			case "native":
				return nativebridge.New(cfg.API.BaseURL, bridge.New(cfg.Device.BridgeURL))
			default:
				tr := fetchhttp.New(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutSeconds)*time.Second)
				if cfg.API.SessionCookie != "" {
					tr = tr.WithHeaders(map[string]string{"Cookie": cfg.API.SessionCookie})
				}
				return tr
			}
		},
		newPushConsumer: func(cfg *config.Config) pushConsumer {
			if cfg.Kafka.Host == "" || cfg.Kafka.PushTopic == "" {
				return nil
			}
			group := cfg.Kafka.ConsumerGroup
			if group == "" {
				group = "courier-agent"
			}
			return kafka.NewConsumer(kafkaBrokers(cfg), cfg.Kafka.PushTopic, group)
		},
		newPublisher: func(cfg *config.Config) (notify.Scheduler, func()) {
			if cfg.Kafka.Host == "" || cfg.Kafka.LocalNotificationsTopic == "" {
				return nil, nil
			}
			p := kafka.NewProducer(kafkaBrokers(cfg))
			return kafka.NewNotificationPublisher(p, cfg.Kafka.LocalNotificationsTopic), func() { _ = p.Close() }
		},
	}
}

// fanout shows an alert on every sink and reports all failures.
type fanout []notify.Scheduler

func (f fanout) Schedule(ctx context.Context, n messages.LocalNotification) error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Schedule(ctx, n))
	}
	return err
}

func trackingConfig(cfg *config.Config) tracking.Config {
	return tracking.Config{
		PushInterval:       time.Duration(cfg.Courier.PushIntervalSeconds) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.Courier.HeartbeatIntervalSeconds) * time.Second,
		MinDistanceMeters:  cfg.Courier.MinDistanceMeters,
		PermissionTimeout:  time.Duration(cfg.Courier.PermissionTimeoutSeconds) * time.Second,
		PermissionAttempts: cfg.Courier.PermissionAttempts,
	}
}

func plannerConfig(cfg *config.Config) pollshim.PlannerConfig {
	return pollshim.PlannerConfig{
		Interval: time.Duration(cfg.Courier.PollIntervalSeconds) * time.Second,
		Backoff1: time.Duration(cfg.Courier.PollBackoff1Seconds) * time.Second,
		Backoff2: time.Duration(cfg.Courier.PollBackoff2Seconds) * time.Second,
		Backoff3: time.Duration(cfg.Courier.PollBackoff3Seconds) * time.Second,
		Backoff4: time.Duration(cfg.Courier.PollBackoff4Seconds) * time.Second,
	}
}

// agent holds the wired components for the HTTP surface.
type agent struct {
	cfg        *config.Config
	api        *backend.Client
	session    *session.Service
	feed       *feed.Reconciler
	tracker    *tracking.Service
	dispatcher *notify.Dispatcher
	poller     *pollshim.Poller
	socket     *wsclient.Client
	registry   *prometheus.Registry
}

func subscribe(ch realtime.Channel, h realtime.Handler) {
	for _, name := range []realtime.EventName{
		realtime.EventConnect,
		realtime.EventNewNearbyOrder,
		realtime.EventOrderRemoved,
		realtime.EventStateChanged,
	} {
		ch.Subscribe(name, h)
	}
}

// RunCourierAgent wires the courier components and runs them until ctx is
// done. Tracking loops are stopped on exit but the durable flag is kept,
// so the next start resumes tracking.
func RunCourierAgent(ctx context.Context, cfg *config.Config, f agentFactories) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionTTL := time.Duration(cfg.Courier.SessionTTLHours) * time.Hour
	if sessionTTL <= 0 {
		sessionTTL = session.DefaultTTL
	}
	wakeLimit := int64(cfg.Courier.WakeRateLimitPerMinute)
	if wakeLimit <= 0 {
		wakeLimit = 6
	}
	activityEvery := time.Duration(cfg.Courier.ActivityPingSeconds) * time.Second
	if activityEvery <= 0 {
		activityEvery = time.Minute
	}
	httpAddr := cfg.Agent.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8090"
	}

	store, closeStore, err := f.newStore(cfg)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	if closeStore != nil {
		defer closeStore()
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewCourierMetrics(reg)

	dev := f.newDevice(cfg)
	api := backend.New(f.newTransport(cfg))

	sess := session.New(api, store, sessionTTL)
	user, err := sess.Current(ctx)
	if err != nil {
		return errors.Wrap(err, "load session")
	}
	slog.Info("session loaded", "courier_id", user.ID, "city", user.City)

	var scheduler notify.Scheduler = dev
	if f.newPublisher != nil {
		if pub, closePub := f.newPublisher(cfg); pub != nil {
			scheduler = fanout{dev, pub}
			if closePub != nil {
				defer closePub()
			}
		}
	}

	dispatcher := notify.New(api, store, scheduler, notify.Config{WakeLimit: wakeLimit}).WithMetrics(m)
	if rl := f.newRateLimiter(cfg); rl != nil {
		dispatcher.WithRateLimiter(rl)
	}
	tracker := tracking.New(api, dev, store, trackingConfig(cfg)).
		WithAlerts(dispatcher).
		WithMetrics(m)
	rec := feed.New(api, sess, tracker).WithMetrics(m)
	dispatcher.WithTracker(tracker).WithFeed(rec)

	sess.OnInvalidate(func() {
		slog.Warn("session dropped, login required")
	})

	if err := api.MarkActive(ctx); err != nil {
		slog.Warn("mark active", "error", err.Error())
	}
	defer func() {
		cancel()
		offCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stop()
		err = multierr.Combine(err,
			tracker.Shutdown(offCtx),
			errors.Wrap(api.MarkInactive(offCtx), "mark inactive"),
		)
	}()

	if err := dispatcher.LoadSound(ctx); err != nil {
		slog.Warn("load notification sound", "error", err.Error())
	}
	if resumed, err := tracker.CheckPendingTracking(ctx); err != nil {
		slog.Warn("resume tracking", "error", err.Error())
	} else if resumed {
		slog.Info("tracking resumed after restart")
	}
	if _, err := rec.Refresh(ctx); err != nil {
		slog.Warn("initial feed refresh", "error", err.Error())
	}

	a := &agent{
		cfg:        cfg,
		api:        api,
		session:    sess,
		feed:       rec,
		tracker:    tracker,
		dispatcher: dispatcher,
		registry:   reg,
		poller: pollshim.New(api, sess).
			WithPlanner(plannerConfig(cfg)).
			WithMetrics(m),
	}
	subscribe(a.poller, rec.ApplyEvent)
	if cfg.Courier.RealtimeMode == "socket" && cfg.API.WSURL != "" {
		a.socket = wsclient.New(cfg.API.WSURL, sess).
			WithReconnect(cfg.Courier.ReconnectAttempts, time.Duration(cfg.Courier.ReconnectDelaySeconds)*time.Second)
		if cfg.API.SessionCookie != "" {
			a.socket.WithHeader(http.Header{"Cookie": []string{cfg.API.SessionCookie}})
		}
		subscribe(a.socket, rec.ApplyEvent)
	}

	go a.runRealtime(ctx)
	go runActivityPings(ctx, api, activityEvery)

	if f.newPushConsumer != nil {
		if consumer := f.newPushConsumer(cfg); consumer != nil {
			defer func() { _ = consumer.Close() }()
			go consumePushes(ctx, consumer, dispatcher)
		}
	}

	err = runAgentHTTPServer(ctx, agentHTTPOpts{
		httpAddr:    httpAddr,
		swaggerPath: cfg.Agent.SwaggerPath,
		onListen:    f.onListen,
		agent:       a,
	})
	if ctx.Err() != nil && errors.Is(err, http.ErrServerClosed) {
		err = ctx.Err()
	}
	return err
}

// runRealtime runs the socket when configured and falls back to polling
// once it gives up.
func (a *agent) runRealtime(ctx context.Context) {
	if a.socket != nil {
		err := a.socket.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("socket unavailable, falling back to polling", "error", err.Error())
	}
	if err := a.poller.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("poller stopped", "error", err.Error())
	}
}

func runActivityPings(ctx context.Context, api *backend.Client, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := api.MarkActive(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("mark active", "error", err.Error())
			}
		}
	}
}

// consumePushes restarts the consumer with exponential backoff until ctx
// is done.
func consumePushes(ctx context.Context, c pushConsumer, d *notify.Dispatcher) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Minute

	slog.Info("push consumer started")
	_ = backoff.RetryNotify(func() error {
		return c.ConsumePushes(ctx, d.Dispatch)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		slog.Warn("push consumer failed, retrying", "in", next.String(), "error", err.Error())
	})
}
