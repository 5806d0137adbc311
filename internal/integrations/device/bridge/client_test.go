package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/integrations/transport"
	"github.com/BearBump/CourierBox/internal/integrations/transport/nativebridge"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/tracking"
	"github.com/stretchr/testify/require"
)

func TestClient_CurrentPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/location/current", r.URL.Path)

		var req positionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.EnableHighAccuracy)
		require.Equal(t, int64(60000), req.TimeoutMs)
		require.Equal(t, int64(600000), req.MaximumAgeMs)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"coords":{"latitude":5.5353,"longitude":-73.3678,"accuracy":12.5},"timestamp":1735732800000}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	p, err := c.CurrentPosition(context.Background(), tracking.PositionOptions{
		HighAccuracy: true,
		Timeout:      time.Minute,
		MaximumAge:   10 * time.Minute,
	})
	require.NoError(t, err)
	require.InDelta(t, 5.5353, p.Latitude, 1e-9)
	require.InDelta(t, -73.3678, p.Longitude, 1e-9)
	require.Equal(t, 12.5, p.Accuracy)
	require.Equal(t, time.UnixMilli(1735732800000).UTC(), p.Timestamp)
}

func TestClient_CurrentPosition_ErrorCodes(t *testing.T) {
	cases := map[string]error{
		codePermissionDenied:    tracking.ErrPermissionDenied,
		codeTimeout:             tracking.ErrTimeout,
		codePositionUnavailable: tracking.ErrPositionUnavailable,
	}
	for code, want := range cases {
		t.Run(code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(errorBody{Code: code})
			}))
			defer srv.Close()

			_, err := New(srv.URL).CurrentPosition(context.Background(), tracking.PositionOptions{})
			require.ErrorIs(t, err, want)
		})
	}
}

func TestClient_CurrentPosition_UnknownError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(errorBody{Message: "gps off"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).CurrentPosition(context.Background(), tracking.PositionOptions{})
	require.ErrorContains(t, err, "device bridge http 500: gps off")
	require.NotErrorIs(t, err, tracking.ErrPermissionDenied)
}

func TestClient_CheckPermission(t *testing.T) {
	for raw, want := range map[string]models.PermissionStatus{
		"granted":               models.PermissionGranted,
		"denied":                models.PermissionDenied,
		"prompt":                models.PermissionPrompt,
		"prompt-with-rationale": models.PermissionPrompt,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/location/permission", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]string{"location": raw})
		}))
		got, err := New(srv.URL).CheckPermission(context.Background())
		srv.Close()
		require.NoError(t, err)
		require.Equal(t, want, got, raw)
	}
}

func TestClient_Watch(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			w.WriteHeader(http.StatusRequestTimeout)
			_ = json.NewEncoder(w).Encode(errorBody{Code: codeTimeout})
			return
		}
		_, _ = w.Write([]byte(`{"coords":{"latitude":5.0,"longitude":-73.0}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := New(srv.URL).WithWatchInterval(time.Millisecond).Watch(ctx, tracking.PositionOptions{})
	require.NoError(t, err)

	got := 0
	for p := range ch {
		require.Equal(t, 5.0, p.Latitude)
		got++
		if got == 2 {
			break
		}
	}
	cancel()
	for range ch {
	}
	require.Equal(t, 2, got)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 3)
}

func TestClient_WatchEndsOnDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(errorBody{Code: codePermissionDenied})
	}))
	defer srv.Close()

	ch, err := New(srv.URL).WithWatchInterval(time.Millisecond).Watch(context.Background(), tracking.PositionOptions{})
	require.NoError(t, err)
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end")
	}
}

func TestClient_RequestThroughNativeTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/http", r.URL.Path)
		var req nativebridge.NativeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "https://domipancho.com/api/usuario-actual", req.URL)
		require.Equal(t, http.MethodGet, req.Method)
		require.Equal(t, transport.RequestedWithXHR, req.Headers[transport.HeaderRequestedWith])

		_ = json.NewEncoder(w).Encode(nativebridge.NativeResponse{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Data:    json.RawMessage(`{"id":7,"nombre":"Ana"}`),
		})
	}))
	defer srv.Close()

	tr := nativebridge.New("", New(srv.URL))
	resp, err := tr.Do(context.Background(), "/api/usuario-actual", transport.Request{})
	require.NoError(t, err)
	require.True(t, resp.OK())

	var u models.User
	require.NoError(t, resp.JSON(&u))
	require.Equal(t, int64(7), u.ID)
}

func TestClient_Schedule(t *testing.T) {
	got := make(chan messages.LocalNotification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/notifications/local", r.URL.Path)
		var n messages.LocalNotification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		got <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := New(srv.URL).Schedule(context.Background(), messages.LocalNotification{ID: 9, ChannelID: "pedidos_channel"})
	require.NoError(t, err)
	n := <-got
	require.Equal(t, int32(9), n.ID)
	require.Equal(t, "pedidos_channel", n.ChannelID)
}
