package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/models"
)

var (
	ErrPermissionDenied    = errs.New(errs.CodePermissionDenied, "location permission denied")
	ErrPermissionRequired  = errs.New(errs.CodePermissionNeeded, "location permission not granted")
	ErrTimeout             = errors.New("location request timed out")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrNoPosition          = errors.New("no known position")
)

// PositionOptions mirrors the OS geolocation request options.
type PositionOptions struct {
	HighAccuracy bool          `json:"enableHighAccuracy"`
	Timeout      time.Duration `json:"timeout"`
	MaximumAge   time.Duration `json:"maximumAge"`
}

// Locator is the device location capability. Implementations report a
// user refusal as ErrPermissionDenied and an expired request as ErrTimeout.
type Locator interface {
	CheckPermission(ctx context.Context) (models.PermissionStatus, error)
	CurrentPosition(ctx context.Context, opts PositionOptions) (models.Position, error)
	// Watch streams fixes until ctx is done, then closes the channel.
	Watch(ctx context.Context, opts PositionOptions) (<-chan models.Position, error)
}

type API interface {
	PushLocation(ctx context.Context, p models.Position) error
	Heartbeat(ctx context.Context) error
}

// AlertSink shows the persistent explanation after a denial.
type AlertSink interface {
	PermissionDenied(ctx context.Context, explanation string) error
}
