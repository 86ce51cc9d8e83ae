package proxy

import (
	"io"
	"net/http"
	"net/url"

	"dtv-relay/work/logger"
	"dtv-relay/work/metrics"
	"dtv-relay/work/parser"
)

// HLSContentType is the MIME type of every rewritten playlist.
const HLSContentType = "application/vnd.apple.mpegurl"

// ServeHLS relays any HLS resource named by ?url=. Playlists are buffered and
// rewritten so their references come back here; everything else is streamed.
func (rl *Relay) ServeHLS(w http.ResponseWriter, r *http.Request) {
	requested, raw, ok := queryURL(w, r)
	if !ok {
		return
	}

	resp, ue := rl.fetch(r.Context(), RouteHLS, raw, "", nil)
	if ue != nil {
		rl.writeUpstreamError(w, r, "HLS resource", ue)
		return
	}
	defer resp.Body.Close()

	// relative references resolve against the document's final location
	base := requested
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}

	contentType := resp.Header.Get("Content-Type")
	if parser.IsPlaylist(requested.Path, contentType) || parser.IsPlaylist(base.Path, contentType) {
		rl.servePlaylist(w, r, raw, base, resp.Body)
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)

	rl.stream(w, r, RouteHLS, raw, resp.Body)
}

func (rl *Relay) servePlaylist(w http.ResponseWriter, r *http.Request, raw string, base *url.URL, body io.Reader) {
	buf, err := rl.BufferPool.ReadAll(body)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(RouteHLS, "read").Inc()
		logger.Warn("{proxy/hls - servePlaylist} failed to read playlist %s: %v", rl.logURL(raw), err)
		http.Error(w, "Failed to read playlist: "+err.Error(), http.StatusBadGateway)
		return
	}
	text := buf.String()
	rl.BufferPool.Put(buf)

	rewritten := parser.Rewrite(text, base)

	// inspection only feeds logs and metrics
	info, err := parser.Inspect(text)
	if err != nil {
		logger.Debug("{proxy/hls - servePlaylist} playlist %s did not decode cleanly: %v", rl.logURL(raw), err)
	} else {
		logger.Debug("{proxy/hls - servePlaylist} %s playlist %s: variants=%d segments=%d",
			info.Kind, rl.logURL(raw), info.Variants, info.Segments)
	}
	metrics.PlaylistsRewritten.WithLabelValues(string(info.Kind)).Inc()

	w.Header().Set("Content-Type", HLSContentType)
	w.WriteHeader(http.StatusOK)

	n, err := io.WriteString(w, rewritten)
	metrics.BytesTransferred.WithLabelValues(RouteHLS).Add(float64(n))
	if err != nil {
		logger.Debug("{proxy/hls - servePlaylist} player went away during %s: %v", rl.logURL(raw), err)
	}
}
