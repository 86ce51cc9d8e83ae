package proxy

import (
	"net/http"

	"dtv-relay/work/headers"
	"dtv-relay/work/logger"
)

// ServeLive relays the current stream target as an endless FLV body.
//
// The upstream is always asked for the whole resource (Range: bytes=0-) and the
// player always gets a plain 200, whatever partial-content status the CDN used.
func (rl *Relay) ServeLive(w http.ResponseWriter, r *http.Request) {
	target := rl.Target.Get()
	if target == "" {
		logger.Warn("{proxy/stream - ServeLive} media requested with no stream target set")
		http.Error(w, "Stream URL is not set or empty.", http.StatusNotFound)
		return
	}

	logger.Info("{proxy/stream - ServeLive} relaying FLV from %s", rl.logURL(target))

	resp, ue := rl.fetch(r.Context(), RouteLive, target, headers.AcceptMedia, http.Header{
		"Range": {"bytes=0-"},
	})
	if ue != nil {
		rl.writeUpstreamError(w, r, "FLV stream", ue)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	h.Set("Content-Type", "video/x-flv")
	h.Set("Connection", "keep-alive")
	h.Set("Cache-Control", "no-store")
	h.Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)

	rl.stream(w, r, RouteLive, target, resp.Body)
}
