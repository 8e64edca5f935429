package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckHealthyPortal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>portal</html>"))
	}))
	defer srv.Close()

	p := New(Config{UserAgent: "fleetharvest-probe/1"}, zap.NewNop())
	require.NoError(t, p.Check(context.Background(), srv.URL))
}

func TestCheckServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(Config{}, zap.NewNop())
	err := p.Check(context.Background(), srv.URL)
	require.ErrorContains(t, err, "502")
}

func TestCheckUnreachablePortal(t *testing.T) {
	t.Parallel()

	p := New(Config{Timeout: time.Second}, zap.NewNop())
	err := p.Check(context.Background(), "http://127.0.0.1:1/")
	require.ErrorContains(t, err, "portal unreachable")
}

func TestCheckContextCancelled(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := New(Config{Timeout: 30 * time.Second}, zap.NewNop())
	err := p.Check(ctx, srv.URL)
	require.ErrorContains(t, err, "portal probe")
}
