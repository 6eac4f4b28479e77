package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/meetbet/internal/client"
)

func TestServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gin.SetMode(gin.TestMode)

	rs := miniredis.RunT(t)

	c := DefaultConfig()
	c.Redis.Pubsub.Addrs = []string{rs.Addr()}
	s, err := Init(c)
	require.NoError(t, err)

	srv := httptest.NewServer(s.http.Handler)
	admin := httptest.NewServer(s.admin.Handler)
	t.Cleanup(func() {
		s.Shutdown()
		srv.Close()
		admin.Close()
	})

	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { rc.Close() })
	sub := rc.Subscribe(ctx, "meetbet:session:AB12")
	t.Cleanup(func() { sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	cl, err := client.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", client.NewReconciler(client.ReconcilerConfig{}))
	require.NoError(t, err)
	go func() { _ = cl.Run(ctx) }()
	require.NoError(t, cl.Join(ctx, "AB12", "Ann", "Weekly"))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"event":"sessionUpdate"`)
		assert.Contains(t, msg.Payload, `"Ann"`)
	case <-ctx.Done():
		t.Fatal("room event was not mirrored on redis")
	}

	get := func(t *testing.T, url string, header http.Header) (*http.Response, string) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header[k] = v
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(b)
	}

	tests := map[string]struct {
		url    string
		header http.Header
		assert func(t *testing.T, resp *http.Response, body string)
	}{
		"health check allows any origin": {
			url:    srv.URL + "/healthz",
			header: http.Header{"Origin": {"http://localhost:3000"}},
			assert: func(t *testing.T, resp *http.Response, _ string) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
			},
		},

		"metrics are not public": {
			url: srv.URL + "/metrics",
			assert: func(t *testing.T, resp *http.Response, _ string) {
				assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			},
		},

		"session is readable over HTTP": {
			url: srv.URL + "/api/sessions/AB12",
			assert: func(t *testing.T, resp *http.Response, body string) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Contains(t, body, `"displayName":"Weekly"`)
			},
		},

		"metrics are on the admin listener": {
			url: admin.URL + "/metrics",
			assert: func(t *testing.T, resp *http.Response, body string) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Contains(t, body, "meetbet_sessions 1")
				assert.Contains(t, body, "meetbet_ws_connections 1")
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp, body := get(t, tt.url, tt.header)
			tt.assert(t, resp, body)
		})
	}
}

func TestInit_RedisUnavailable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c := DefaultConfig()
	c.Redis.Pubsub.Addrs = []string{addr}
	_, err = Init(c)
	require.Error(t, err)
}
