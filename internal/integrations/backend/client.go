package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/BearBump/CourierBox/internal/integrations/transport"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

const (
	PathCurrentUser          = "/api/usuario-actual"
	PathOrdersWithDistances  = "/api/pedidos-domiciliario-con-distancias"
	PathOrders               = "/api/pedidos-domiciliario"
	PathGeoAssignments       = "/api/mis-asignaciones-geograficas"
	PathLocation             = "/api/domiciliario/ubicacion"
	PathHeartbeat            = "/api/domiciliario-heartbeat"
	PathActive               = "/api/domiciliario-activo"
	PathInactive             = "/api/domiciliario-inactivo"
	PathLogout               = "/api/logout"
	PathFCMToken             = "/api/domiciliario/fcm-token"
	PathNotificationSettings = "/api/domiciliario/configuracion-notificaciones"
)

func PathClaim(id int64) string       { return fmt.Sprintf("/api/pedidos/%d/tomar", id) }
func PathRelease(id int64) string     { return fmt.Sprintf("/api/pedidos/%d/liberar", id) }
func PathOrderStatus(id int64) string { return fmt.Sprintf("/api/pedidos/%d/estado-domiciliario", id) }

// Client is the typed courier API over any transport.
type Client struct {
	t transport.Transport
}

func New(t transport.Transport) *Client {
	return &Client{t: t}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"mensaje"`
}

type ClaimResult struct {
	Success      bool   `json:"success"`
	ActiveOrders int    `json:"pedidosActivos"`
	Message      string `json:"mensaje,omitempty"`
}

type ReleaseRequest struct {
	Reason string `json:"motivo_liberacion"`
	Detail string `json:"detalle_motivo,omitempty"`
}

type StatusUpdate struct {
	Status        models.OrderStatus `json:"estado"`
	PaymentMethod string             `json:"metodo_pago,omitempty"`
	Comment       string             `json:"comentario_domiciliario,omitempty"`
}

type locationBody struct {
	Latitude  float64   `json:"latitud"`
	Longitude float64   `json:"longitud"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  float64   `json:"accuracy,omitempty"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	resp, err := c.t.Do(ctx, endpoint, transport.Request{Method: method, Body: body})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errorFromResponse(resp)
	}
	if out == nil {
		// The body is unused but must still be JSON; a 200 login page
		// means the session expired.
		if len(resp.Body) == 0 {
			return nil
		}
		return resp.JSON(nil)
	}
	if err := resp.JSON(out); err != nil {
		return errors.Wrap(err, "decode "+endpoint)
	}
	return nil
}

// errorFromResponse maps a non-2xx response to the taxonomy. The backend
// sends {error, mensaje}; the error string becomes the code.
func errorFromResponse(resp *transport.Response) error {
	var body apiError
	jsonErr := resp.JSON(&body)
	if jsonErr != nil && errs.IsAuth(jsonErr) {
		return jsonErr
	}
	details := map[string]any{"status": resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errs.New(errs.CodeUnauthorized, body.Message).WithDetails(details)
	case body.Error != "":
		return errs.New(errs.Code(body.Error), body.Message).WithDetails(details)
	case resp.StatusCode == http.StatusForbidden:
		return errs.New(errs.CodeUnauthorized, body.Message).WithDetails(details)
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.CodeNotFound, body.Message).WithDetails(details)
	case resp.StatusCode >= 500:
		return errs.Wrap(errs.CodeRequestFailed, fmt.Errorf("http %d", resp.StatusCode), "").WithDetails(details)
	default:
		return errs.New(errs.Code(fmt.Sprintf("http_%d", resp.StatusCode)), body.Message).WithDetails(details)
	}
}

func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	var u models.User
	if err := c.do(ctx, http.MethodGet, PathCurrentUser, nil, &u); err != nil {
		return models.User{}, errors.Wrap(err, "current user")
	}
	return u, nil
}

// ListOrdersWithDistances is the feed endpoint; a blocked account answers
// with error "bloqueado".
func (c *Client) ListOrdersWithDistances(ctx context.Context) ([]*models.Order, error) {
	var out []*models.Order
	if err := c.do(ctx, http.MethodGet, PathOrdersWithDistances, nil, &out); err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return out, nil
}

// ListOrders is the cheaper list the poll shim uses.
func (c *Client) ListOrders(ctx context.Context) ([]*models.Order, error) {
	var out []*models.Order
	if err := c.do(ctx, http.MethodGet, PathOrders, nil, &out); err != nil {
		return nil, errors.Wrap(err, "poll orders")
	}
	return out, nil
}

func (c *Client) ListGeoAssignments(ctx context.Context) ([]models.GeoAssignment, error) {
	var out []models.GeoAssignment
	if err := c.do(ctx, http.MethodGet, PathGeoAssignments, nil, &out); err != nil {
		return nil, errors.Wrap(err, "list geo assignments")
	}
	return out, nil
}

func (c *Client) ClaimOrder(ctx context.Context, id int64) (ClaimResult, error) {
	var out ClaimResult
	if err := c.do(ctx, http.MethodPost, PathClaim(id), nil, &out); err != nil {
		return ClaimResult{}, errors.Wrap(err, "claim order")
	}
	return out, nil
}

func (c *Client) ReleaseOrder(ctx context.Context, id int64, req ReleaseRequest) error {
	return errors.Wrap(c.do(ctx, http.MethodPost, PathRelease(id), req, nil), "release order")
}

func (c *Client) UpdateOrderStatus(ctx context.Context, id int64, upd StatusUpdate) error {
	return errors.Wrap(c.do(ctx, http.MethodPut, PathOrderStatus(id), upd, nil), "update order status")
}

func (c *Client) PushLocation(ctx context.Context, p models.Position) error {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	body := locationBody{Latitude: p.Latitude, Longitude: p.Longitude, Timestamp: ts, Accuracy: p.Accuracy}
	return errors.Wrap(c.do(ctx, http.MethodPost, PathLocation, body, nil), "push location")
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return errors.Wrap(c.do(ctx, http.MethodPost, PathHeartbeat, nil, nil), "heartbeat")
}

func (c *Client) MarkActive(ctx context.Context) error {
	return errors.Wrap(c.do(ctx, http.MethodPost, PathActive, nil, nil), "mark active")
}

func (c *Client) MarkInactive(ctx context.Context) error {
	return errors.Wrap(c.do(ctx, http.MethodPost, PathInactive, nil, nil), "mark inactive")
}

func (c *Client) Logout(ctx context.Context) error {
	return errors.Wrap(c.do(ctx, http.MethodPost, PathLogout, nil, nil), "logout")
}

func (c *Client) SaveFCMToken(ctx context.Context, token string) error {
	body := map[string]string{"fcm_token": token}
	return errors.Wrap(c.do(ctx, http.MethodPost, PathFCMToken, body, nil), "save fcm token")
}

func (c *Client) SetNotificationSound(ctx context.Context, enabled bool) error {
	body := map[string]bool{"notificaciones_sonido": enabled}
	return errors.Wrap(c.do(ctx, http.MethodPut, PathNotificationSettings, body, nil), "set notification sound")
}

// NotificationSound reports whether alerts play a sound. The backend
// treats a missing setting as enabled.
func (c *Client) NotificationSound(ctx context.Context) (bool, error) {
	var out struct {
		Sound *bool `json:"notificaciones_sonido"`
	}
	if err := c.do(ctx, http.MethodGet, PathNotificationSettings, nil, &out); err != nil {
		return true, errors.Wrap(err, "get notification sound")
	}
	return out.Sound == nil || *out.Sound, nil
}
