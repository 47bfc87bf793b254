package http

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestServer_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t, Options{})
	s := NewServer("127.0.0.1:0", env.handler, logging.Nop(), time.Second)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestServer_ReturnsErrorOnBadAddress(t *testing.T) {
	env := newTestEnv(t, Options{})
	s := NewServer("127.0.0.1:99999", env.handler, logging.Nop(), time.Second)

	require.Error(t, s.Run(context.Background()))
}
