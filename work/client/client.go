package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/ratelimit"

	"dtv-relay/work/config"
	"dtv-relay/work/headers"
)

// UpstreamClient is the outbound HTTP client shared by the routes of one relay
// instance. It speaks HTTP/1.1 only, never asks for compressed bodies, and stamps
// every request with the header policy.
type UpstreamClient struct {
	Client  *http.Client
	policy  *headers.Policy
	limiter ratelimit.Limiter
}

// NewTransport builds the pooled transport used for upstream fetches.
func NewTransport(cfg *config.Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: cfg.UpstreamKeepAlive,
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.UpstreamIdleTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   false,
		// a non-nil empty map keeps net/http from negotiating h2 over TLS
		TLSNextProto: make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
}

// NewUpstreamClient creates the client for one relay instance.
func NewUpstreamClient(cfg *config.Config, policy *headers.Policy) *UpstreamClient {
	limiter := ratelimit.NewUnlimited()
	if cfg.ImageRequestsPerSec > 0 {
		limiter = ratelimit.New(cfg.ImageRequestsPerSec)
	}

	return &UpstreamClient{
		Client: &http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: NewTransport(cfg),
		},
		policy:  policy,
		limiter: limiter,
	}
}

// Get issues a GET for rawURL with policy headers. accept overrides the baseline
// Accept header when non-empty; extra headers are applied last.
func (uc *UpstreamClient) Get(ctx context.Context, rawURL, accept string, extra http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	uc.policy.Apply(req, accept)
	for key, values := range extra {
		req.Header[key] = values
	}
	return uc.Client.Do(req)
}

// Pace blocks until the image limiter allows another upstream request.
func (uc *UpstreamClient) Pace() {
	uc.limiter.Take()
}

// CloseIdle drops pooled connections, used when the owning relay shuts down.
func (uc *UpstreamClient) CloseIdle() {
	uc.Client.CloseIdleConnections()
}

// StreamWriter wraps an http.ResponseWriter, flushing after every write so the
// player sees each chunk as it arrives.
type StreamWriter struct {
	http.ResponseWriter
	flusher http.Flusher
}

func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	sw := &StreamWriter{ResponseWriter: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (sw *StreamWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	if err == nil {
		sw.Flush()
	}
	return n, err
}

// Flush implements http.Flusher.
func (sw *StreamWriter) Flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// Copy streams src into the writer chunk by chunk until EOF or a write error.
func (sw *StreamWriter) Copy(src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	return io.CopyBuffer(writerOnly{sw}, src, buf)
}

// writerOnly hides ReadFrom on the underlying writer so io.CopyBuffer goes through
// Write, and therefore through Flush, for each chunk.
type writerOnly struct {
	io.Writer
}
