package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"dtv-relay/work/buffer"
	"dtv-relay/work/client"
	"dtv-relay/work/config"
	"dtv-relay/work/logger"
	"dtv-relay/work/metrics"
	"dtv-relay/work/utils"
)

// Route names, used as metric labels and in log prefixes.
const (
	RouteLive  = "live"
	RouteImage = "image"
	RouteHLS   = "hls"
)

// maxErrorBody bounds how much of an upstream error body is echoed to the player.
const maxErrorBody = 4 << 10

// Relay serves the three loopback routes of one relay instance. It reads the
// shared stream target and otherwise holds no mutable state.
type Relay struct {
	Config     *config.Config
	Target     *StreamTarget
	Client     *client.UpstreamClient
	BufferPool *buffer.BufferPool
}

// New wires a Relay. Each relay instance gets its own upstream client; the
// target is shared process-wide.
func New(cfg *config.Config, target *StreamTarget, uc *client.UpstreamClient, bp *buffer.BufferPool) *Relay {
	logger.Debug("{proxy/proxy - New} creating relay instance")

	return &Relay{
		Config:     cfg,
		Target:     target,
		Client:     uc,
		BufferPool: bp,
	}
}

// Close releases pooled upstream connections.
func (rl *Relay) Close() {
	rl.Client.CloseIdle()
}

func (rl *Relay) logURL(rawURL string) string {
	return utils.LogURL(rl.Config, rawURL)
}

// fetch GETs rawURL and turns transport failures and non-2xx answers into an
// *UpstreamError. On success the caller owns resp.Body.
func (rl *Relay) fetch(ctx context.Context, route, rawURL, accept string, extra http.Header) (*http.Response, *UpstreamError) {
	resp, err := rl.Client.Get(ctx, rawURL, accept, extra)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(route, "connect").Inc()
		return nil, &UpstreamError{Route: route, URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.UpstreamErrors.WithLabelValues(route, "status").Inc()
		return nil, &UpstreamError{
			Route:  route,
			URL:    rawURL,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// writeUpstreamError reports ue to the player. what names the resource in the
// message ("FLV stream", "image", "HLS resource").
func (rl *Relay) writeUpstreamError(w http.ResponseWriter, r *http.Request, what string, ue *UpstreamError) {
	if ue.Err != nil {
		if errors.Is(ue.Err, context.Canceled) && r.Context().Err() != nil {
			logger.Debug("{proxy/proxy - writeUpstreamError} %s request cancelled by player: %s", ue.Route, rl.logURL(ue.URL))
		} else {
			logger.Warn("{proxy/proxy - writeUpstreamError} %s upstream unreachable %s: %v", ue.Route, rl.logURL(ue.URL), ue.Err)
		}
		http.Error(w, fmt.Sprintf("Failed to connect to %s upstream: %s. Details: %v", what, ue.URL, ue.Err), http.StatusBadGateway)
		return
	}

	logger.Warn("{proxy/proxy - writeUpstreamError} %s upstream %s returned %d", ue.Route, rl.logURL(ue.URL), ue.Status)
	http.Error(w, fmt.Sprintf("Error fetching %s from upstream: %s. Status: %d %s. Details: %s",
		what, ue.URL, ue.Status, http.StatusText(ue.Status), ue.Body), ue.Status)
}

// stream copies an upstream body to the player, flushing every chunk, until
// either side goes away.
func (rl *Relay) stream(w http.ResponseWriter, r *http.Request, route, rawURL string, body io.Reader) {
	metrics.ActiveStreams.WithLabelValues(route).Inc()
	defer metrics.ActiveStreams.WithLabelValues(route).Dec()

	sw := client.NewStreamWriter(w)
	n, err := sw.Copy(body)
	metrics.BytesTransferred.WithLabelValues(route).Add(float64(n))

	switch {
	case err == nil:
		logger.Debug("{proxy/proxy - stream} %s finished %s after %s", route, rl.logURL(rawURL), utils.FormatBytes(n))
	case r.Context().Err() != nil:
		logger.Debug("{proxy/proxy - stream} %s player disconnected from %s after %s", route, rl.logURL(rawURL), utils.FormatBytes(n))
	default:
		metrics.UpstreamErrors.WithLabelValues(route, "read").Inc()
		logger.Warn("{proxy/proxy - stream} %s stream %s ended after %s: %v", route, rl.logURL(rawURL), utils.FormatBytes(n), err)
	}
}

// queryURL extracts and validates the "url" parameter shared by the image and
// HLS routes. It writes the 400 response itself and returns ok=false on failure.
func queryURL(w http.ResponseWriter, r *http.Request) (*url.URL, string, bool) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "Missing url query parameter", http.StatusBadRequest)
		return nil, "", false
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		http.Error(w, "Invalid url query parameter", http.StatusBadRequest)
		return nil, "", false
	}
	return u, raw, true
}
