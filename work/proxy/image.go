package proxy

import (
	"errors"
	"net/http"
	"strconv"

	"dtv-relay/work/buffer"
	"dtv-relay/work/headers"
	"dtv-relay/work/logger"
	"dtv-relay/work/metrics"
)

// ServeImage fetches ?url= with browser image headers and answers with the whole
// body and an explicit Content-Length.
func (rl *Relay) ServeImage(w http.ResponseWriter, r *http.Request) {
	_, raw, ok := queryURL(w, r)
	if !ok {
		return
	}

	rl.Client.Pace()

	resp, ue := rl.fetch(r.Context(), RouteImage, raw, headers.AcceptImage, nil)
	if ue != nil {
		rl.writeUpstreamError(w, r, "image", ue)
		return
	}
	defer resp.Body.Close()

	buf, err := rl.BufferPool.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(RouteImage, "read").Inc()
		logger.Warn("{proxy/image - ServeImage} failed to read image %s: %v", rl.logURL(raw), err)
		if errors.Is(err, buffer.ErrTooLarge) {
			http.Error(w, "Image is too large to relay", http.StatusBadGateway)
			return
		}
		http.Error(w, "Failed to read image bytes: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer rl.BufferPool.Put(buf)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)

	n, err := w.Write(buf.B)
	metrics.BytesTransferred.WithLabelValues(RouteImage).Add(float64(n))
	if err != nil {
		logger.Debug("{proxy/image - ServeImage} player went away during %s: %v", rl.logURL(raw), err)
	}
}
