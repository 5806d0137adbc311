package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/services/feed"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type agentHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	agent *agent
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindBusiness:
		status = http.StatusConflict
	case errs.KindAuth:
		status = http.StatusUnauthorized
	case errs.KindPermission:
		status = http.StatusForbidden
	case errs.KindTransport:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"error":   string(errs.CodeOf(err)),
		"mensaje": err.Error(),
	})
}

func orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New(errs.CodeValidation, "invalid order id")
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "invalid request body")
	}
	return nil
}

type feedResponse struct {
	View        feed.View    `json:"view"`
	Entries     []feed.Entry `json:"entries"`
	LastRefresh *time.Time   `json:"lastRefresh,omitempty"`
}

func runAgentHTTPServer(ctx context.Context, opts agentHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8090"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("agent swagger file not found: %s", opts.swaggerPath)
		}
	}
	a := opts.agent

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.feed.LastRefresh().IsZero() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for first refresh"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"poller":      a.poller.Stats(),
			"activeCount": a.feed.ActiveCount(),
			"tracking":    a.tracker.IsTracking(),
		}
		if a.socket != nil {
			out["socketConnected"] = a.socket.Connected()
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		// Operational settings only; no cookies or hosts.
		c := a.cfg.Courier
		writeJSON(w, http.StatusOK, map[string]any{
			"transport":                a.cfg.API.Transport,
			"deviceMode":               a.cfg.Device.Mode,
			"realtimeMode":             c.RealtimeMode,
			"pollIntervalSeconds":      c.PollIntervalSeconds,
			"pushIntervalSeconds":      c.PushIntervalSeconds,
			"heartbeatIntervalSeconds": c.HeartbeatIntervalSeconds,
			"minDistanceMeters":        c.MinDistanceMeters,
			"permissionAttempts":       c.PermissionAttempts,
			"wakeRateLimitPerMinute":   c.WakeRateLimitPerMinute,
			"soundEnabled":             a.dispatcher.SoundEnabled(),
		})
	})

	r.Get("/feed", func(w http.ResponseWriter, r *http.Request) {
		v := a.feed.View()
		resp := feedResponse{View: v, Entries: v.Entries()}
		if t := a.feed.LastRefresh(); !t.IsZero() {
			resp.LastRefresh = &t
		}
		writeJSON(w, http.StatusOK, resp)
	})
	r.Post("/feed/refresh", func(w http.ResponseWriter, r *http.Request) {
		v, err := a.feed.Refresh(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, feedResponse{View: v, Entries: v.Entries()})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		a.poller.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	r.Get("/tracking", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.tracker.State())
	})
	r.Post("/tracking/force", func(w http.ResponseWriter, r *http.Request) {
		if err := a.tracker.ForceUpdate(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.tracker.State())
	})
	r.Post("/tracking/permission", func(w http.ResponseWriter, r *http.Request) {
		st, err := a.tracker.RequestPermission(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissionStatus": st})
	})

	r.Route("/orders/{id}", func(r chi.Router) {
		r.Post("/claim", func(w http.ResponseWriter, r *http.Request) {
			id, err := orderID(r)
			if err != nil {
				writeError(w, err)
				return
			}
			res, err := a.feed.Claim(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})
		r.Post("/release", func(w http.ResponseWriter, r *http.Request) {
			id, err := orderID(r)
			if err != nil {
				writeError(w, err)
				return
			}
			var form feed.ReleaseForm
			if err := decodeBody(r, &form); err != nil {
				writeError(w, err)
				return
			}
			if err := a.feed.Release(r.Context(), id, form); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, a.feed.View())
		})
		r.Post("/deliver", func(w http.ResponseWriter, r *http.Request) {
			id, err := orderID(r)
			if err != nil {
				writeError(w, err)
				return
			}
			var form feed.DeliveryForm
			if err := decodeBody(r, &form); err != nil {
				writeError(w, err)
				return
			}
			if err := a.feed.MarkDelivered(r.Context(), id, form.PaymentMethod); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, a.feed.View())
		})
		r.Post("/undelivered", func(w http.ResponseWriter, r *http.Request) {
			id, err := orderID(r)
			if err != nil {
				writeError(w, err)
				return
			}
			var report feed.UndeliveredReport
			if err := decodeBody(r, &report); err != nil {
				writeError(w, err)
				return
			}
			if err := a.feed.ReportUndelivered(r.Context(), id, report); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, a.feed.View())
		})
	})

	r.Post("/notifications/sound", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.Enabled == nil {
			writeError(w, errs.New(errs.CodeValidation, "enabled is required"))
			return
		}
		if err := a.dispatcher.SetSound(r.Context(), *body.Enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": a.dispatcher.SoundEnabled()})
	})
	r.Post("/notifications/token", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if err := a.dispatcher.RegisterToken(r.Context(), body.Token); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
	})
	// Delivers a push as if it came from the broker.
	r.Post("/notifications/push", func(w http.ResponseWriter, r *http.Request) {
		var p messages.PushNotification
		if err := decodeBody(r, &p); err != nil {
			writeError(w, err)
			return
		}
		if p.ReceivedAt.IsZero() {
			p.ReceivedAt = time.Now().UTC()
		}
		if err := a.dispatcher.Dispatch(r.Context(), p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	})

	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("agent HTTP listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
