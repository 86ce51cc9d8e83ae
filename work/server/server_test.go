package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtv-relay/work/config"
	"dtv-relay/work/proxy"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type fixture struct {
	manager   *Manager
	target    *proxy.StreamTarget
	instances atomic.Int32
	cleanups  atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.PrimaryPort = freePort(t)
	cfg.StaticPort = freePort(t)

	f := &fixture{target: proxy.NewStreamTarget()}
	f.manager = NewManager(cfg, f.target, func() (http.Handler, func()) {
		id := f.instances.Add(1)
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "instance-%d", id)
		})
		return h, func() { f.cleanups.Add(1) }
	})
	t.Cleanup(func() { _ = f.manager.Close(context.Background()) })
	return f
}

func fetch(t *testing.T, url string) (string, error) {
	t.Helper()
	c := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := c.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestStartPrimaryRequiresTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.StartPrimary(context.Background())
	assert.ErrorIs(t, err, ErrNoStreamTarget)
	assert.False(t, f.manager.PrimaryRunning())
}

func TestStartPrimarySupersedes(t *testing.T) {
	f := newFixture(t)
	f.target.Set("https://cdn.example.com/live.flv")
	ctx := context.Background()

	first, err := f.manager.StartPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/live.flv", f.manager.cfg.PrimaryPort), first)

	body, err := fetch(t, first)
	require.NoError(t, err)
	assert.Equal(t, "instance-1", body)

	second, err := f.manager.StartPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, f.cleanups.Load())

	body, err = fetch(t, second)
	require.NoError(t, err)
	assert.Equal(t, "instance-2", body)
}

func TestStopPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StopPrimary(ctx))

	f.target.Set("https://cdn.example.com/live.flv")
	url, err := f.manager.StartPrimary(ctx)
	require.NoError(t, err)
	require.True(t, f.manager.PrimaryRunning())

	require.NoError(t, f.manager.StopPrimary(ctx))
	assert.False(t, f.manager.PrimaryRunning())

	_, err = fetch(t, url)
	assert.Error(t, err)

	require.NoError(t, f.manager.StopPrimary(ctx))
}

func TestStartPrimaryBindError(t *testing.T) {
	f := newFixture(t)
	f.target.Set("https://cdn.example.com/live.flv")

	ln, err := net.Listen("tcp", f.manager.addr(f.manager.cfg.PrimaryPort))
	require.NoError(t, err)
	defer ln.Close()

	_, err = f.manager.StartPrimary(context.Background())
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, RolePrimary, bindErr.Role)
	assert.True(t, isAddrInUse(err))
	assert.False(t, f.manager.PrimaryRunning())
}

func TestStartStaticIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.StartStatic(ctx)
	require.NoError(t, err)
	second, err := f.manager.StartStatic(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", f.manager.cfg.StaticPort), first)
	assert.EqualValues(t, 1, f.instances.Load())

	body, err := fetch(t, first+"/anything")
	require.NoError(t, err)
	assert.Equal(t, "instance-1", body)
}

func TestStartStaticWithForeignListener(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", f.manager.addr(f.manager.cfg.StaticPort))
	require.NoError(t, err)
	defer ln.Close()

	url, err := f.manager.StartStatic(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.manager.StaticURL(), url)
	assert.Zero(t, f.instances.Load())
}

func TestStartStaticIndependentOfPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.StartStatic(ctx)
	require.NoError(t, err)

	f.target.Set("https://cdn.example.com/live.flv")
	_, err = f.manager.StartPrimary(ctx)
	require.NoError(t, err)
	require.NoError(t, f.manager.StopPrimary(ctx))

	body, err := fetch(t, f.manager.StaticURL())
	require.NoError(t, err)
	assert.Equal(t, "instance-1", body)
}

func TestGracefulShutdown(t *testing.T) {
	f := newFixture(t)
	f.target.Set("https://cdn.example.com/live.flv")
	ctx := context.Background()

	_, err := f.manager.StartPrimary(ctx)
	require.NoError(t, err)

	h := f.manager.takePrimary()
	require.NotNil(t, h)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(shutdownCtx, true))
	assert.EqualValues(t, 1, f.cleanups.Load())
}
