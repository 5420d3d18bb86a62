package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagedServerLifecycle(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv := NewManagedServer("test", DefaultServerConfig("127.0.0.1:0", handler, nil))
	srv.Start()

	require.NoError(t, srv.WaitForStartup(time.Second))
	addr, err := srv.Addr(time.Second)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	_, err = http.Get("http://" + addr.String() + "/")
	assert.Error(t, err, "request should fail after shutdown")
}

func TestManagedServerBindFailure(t *testing.T) {
	first := NewManagedServer("first", DefaultServerConfig("127.0.0.1:0", http.NotFoundHandler(), nil))
	first.Start()
	addr, err := first.Addr(time.Second)
	require.NoError(t, err)
	defer first.Shutdown(context.Background())

	second := NewManagedServer("second", DefaultServerConfig(addr.String(), http.NotFoundHandler(), nil))
	second.Start()
	require.Error(t, second.WaitForStartup(time.Second), "expected bind error")
	// Shutdown after a failed start is a no-op.
	second.Shutdown(context.Background())
}
