package simulated

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/tracking"
)

// Device stands in for the phone when no shell is attached. Its position
// drifts north by a fixed step per fix, and scheduled notifications are
// logged and kept in memory.
type Device struct {
	mu         sync.Mutex
	permission models.PermissionStatus
	pos        models.Position
	step       float64
	every      time.Duration
	scheduled  []messages.LocalNotification
}

var _ tracking.Locator = (*Device)(nil)

// New starts at the given coordinates with permission already granted.
func New(lat, lng float64) *Device {
	return &Device{
		permission: models.PermissionGranted,
		pos:        models.Position{Latitude: lat, Longitude: lng, Accuracy: 5},
		// About 22 m per fix.
		step:  0.0002,
		every: 5 * time.Second,
	}
}

// WithPermission overrides the OS permission the device reports. A denied
// device fails every position request.
func (d *Device) WithPermission(p models.PermissionStatus) *Device {
	d.mu.Lock()
	d.permission = p
	d.mu.Unlock()
	return d
}

func (d *Device) WithDrift(stepDeg float64, every time.Duration) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.step = stepDeg
	if every > 0 {
		d.every = every
	}
	return d
}

func (d *Device) CheckPermission(ctx context.Context) (models.PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission, nil
}

func (d *Device) CurrentPosition(ctx context.Context, opts tracking.PositionOptions) (models.Position, error) {
	if err := ctx.Err(); err != nil {
		return models.Position{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission == models.PermissionDenied {
		return models.Position{}, tracking.ErrPermissionDenied
	}
	// Asking for a position grants the permission, as the OS prompt would.
	d.permission = models.PermissionGranted
	d.pos.Latitude += d.step
	d.pos.Timestamp = time.Now().UTC()
	return d.pos, nil
}

func (d *Device) Watch(ctx context.Context, opts tracking.PositionOptions) (<-chan models.Position, error) {
	d.mu.Lock()
	every := d.every
	d.mu.Unlock()

	out := make(chan models.Position)
	go func() {
		defer close(out)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			p, err := d.CurrentPosition(ctx, opts)
			if err != nil {
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *Device) Schedule(ctx context.Context, n messages.LocalNotification) error {
	slog.Info("local notification",
		"id", n.ID,
		"channel", n.ChannelID,
		"title", n.Title,
		"body", n.Body,
		"ongoing", n.Ongoing,
	)
	d.mu.Lock()
	d.scheduled = append(d.scheduled, n)
	d.mu.Unlock()
	return nil
}

// Scheduled returns the notifications shown so far.
func (d *Device) Scheduled() []messages.LocalNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]messages.LocalNotification(nil), d.scheduled...)
}
