package fetchhttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/integrations/transport"
	"github.com/stretchr/testify/require"
)

func TestClient_Do_SendsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/pedidos/5/tomar", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		b, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"a":1}`, string(b))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pedidosActivos":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	res, err := c.Do(context.Background(), "/api/pedidos/5/tomar", transport.Request{
		Method: http.MethodPost,
		Body:   map[string]int{"a": 1},
	})
	require.NoError(t, err)
	require.True(t, res.OK())

	var out struct {
		Active int `json:"pedidosActivos"`
	}
	require.NoError(t, res.JSON(&out))
	require.Equal(t, 1, out.Active)
}

func TestClient_Do_KeepsSessionCookie(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		} else {
			ck, err := r.Cookie("sid")
			require.NoError(t, err)
			require.Equal(t, "abc", ck.Value)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Do(context.Background(), "/api/usuario-actual", transport.Request{})
	require.NoError(t, err)
	_, err = c.Do(context.Background(), "/api/usuario-actual", transport.Request{})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestClient_Do_NetworkErrorIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, 200*time.Millisecond)
	_, err := c.Do(context.Background(), "/api/usuario-actual", transport.Request{})
	require.ErrorIs(t, err, transport.ErrRequestFailed)
}

func TestClient_Do_HTMLIsNotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<form action="/login"><input type="password"></form>`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	res, err := c.Do(context.Background(), "/api/usuario-actual", transport.Request{})
	require.NoError(t, err)
	require.True(t, res.OK())
	require.ErrorIs(t, res.JSON(&struct{}{}), transport.ErrLoginRedirect)
}
