package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtv-relay/work/buffer"
	"dtv-relay/work/client"
	"dtv-relay/work/config"
	"dtv-relay/work/headers"
)

func TestStreamTargetLastWriteWins(t *testing.T) {
	target := NewStreamTarget()
	assert.Empty(t, target.Get())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target.Set(fmt.Sprintf("https://cdn.example.com/%d.flv", i))
			_ = target.Get()
		}(i)
	}
	wg.Wait()

	target.Set("https://cdn.example.com/final.flv")
	assert.Equal(t, "https://cdn.example.com/final.flv", target.Get())

	target.Set("")
	assert.Empty(t, target.Get())
}

func TestUpstreamErrorMessages(t *testing.T) {
	cause := errors.New("connection refused")
	connect := &UpstreamError{Route: RouteLive, URL: "https://x", Err: cause}
	assert.ErrorIs(t, connect, cause)
	assert.Contains(t, connect.Error(), "connection refused")

	status := &UpstreamError{Route: RouteHLS, URL: "https://x", Status: 404}
	assert.Contains(t, status.Error(), "404")
	assert.Nil(t, status.Unwrap())
}

func TestFetchClassifiesStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	cfg := config.Default()
	rl := New(cfg, NewStreamTarget(), client.NewUpstreamClient(cfg, headers.Default()), buffer.NewBufferPool(1024, 0))
	defer rl.Close()

	resp, ue := rl.fetch(context.Background(), RouteImage, upstream.URL, headers.AcceptImage, nil)
	assert.Nil(t, resp)
	require.NotNil(t, ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, "slow down", ue.Body)
}
