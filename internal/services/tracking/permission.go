package tracking

import (
	"context"
	"log/slog"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const deniedExplanation = "Para recibir pedidos cercanos y que los clientes rastreen tus entregas, " +
	"necesitamos acceso a tu ubicación todo el tiempo. Actívalo en Ajustes > Ubicación > Permitir todo el tiempo."

// PermissionStatus returns the persisted permission, reading the store
// once per process.
func (s *Service) PermissionStatus(ctx context.Context) (models.PermissionStatus, error) {
	s.mu.Lock()
	if s.permLoaded {
		p := s.permission
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	raw, ok, err := s.store.Get(ctx, KeyPermission)
	if err != nil {
		return models.PermissionPrompt, errors.Wrap(err, "read permission status")
	}
	status := models.PermissionPrompt
	if ok {
		switch p := models.PermissionStatus(raw); p {
		case models.PermissionGranted, models.PermissionDenied:
			status = p
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.permLoaded {
		s.permission = status
		s.permLoaded = true
	}
	return s.permission, nil
}

func (s *Service) setPermission(ctx context.Context, p models.PermissionStatus) error {
	s.mu.Lock()
	s.permission = p
	s.permLoaded = true
	s.mu.Unlock()
	if err := s.store.Set(ctx, KeyPermission, []byte(p), 0); err != nil {
		return errors.Wrap(err, "persist permission status")
	}
	return nil
}

// RequestPermission obtains location permission. A persisted grant returns
// at once. Timeouts are retried and never count as a denial.
func (s *Service) RequestPermission(ctx context.Context) (models.PermissionStatus, error) {
	current, err := s.PermissionStatus(ctx)
	if err != nil {
		return current, err
	}
	if current == models.PermissionGranted {
		return current, nil
	}

	native, err := s.locator.CheckPermission(ctx)
	if err != nil {
		slog.Warn("check native permission", "error", err.Error())
	} else if native == models.PermissionGranted {
		return models.PermissionGranted, s.setPermission(ctx, models.PermissionGranted)
	}
	if current == models.PermissionDenied {
		return current, ErrPermissionDenied
	}

	var pos models.Position
	attempt := 0
	op := func() error {
		attempt++
		p, err := s.locator.CurrentPosition(ctx, PositionOptions{
			HighAccuracy: true,
			Timeout:      s.cfg.PermissionTimeout,
			MaximumAge:   s.cfg.PermissionMaxAge,
		})
		switch {
		case err == nil:
			pos = p
			return nil
		case errors.Is(err, ErrTimeout):
			slog.Warn("location request timed out", "attempt", attempt)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.PermissionRetryDelay), uint64(s.cfg.PermissionAttempts-1)),
		ctx,
	)
	err = backoff.Retry(op, b)

	switch {
	case err == nil:
		s.record(s.currentEpoch(), pos)
		return models.PermissionGranted, s.setPermission(ctx, models.PermissionGranted)
	case errors.Is(err, ErrPermissionDenied):
		if perr := s.setPermission(ctx, models.PermissionDenied); perr != nil {
			slog.Error("persist denied permission", "error", perr.Error())
		}
		if s.alerts != nil {
			if aerr := s.alerts.PermissionDenied(ctx, deniedExplanation); aerr != nil {
				slog.Error("permission denied alert", "error", aerr.Error())
			}
		}
		return models.PermissionDenied, ErrPermissionDenied
	default:
		return models.PermissionPrompt, errors.Wrap(err, "request location permission")
	}
}

func (s *Service) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}
