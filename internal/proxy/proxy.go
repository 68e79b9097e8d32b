package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	gwerrors "github.com/kelmah/gateway/internal/errors"
	"github.com/kelmah/gateway/internal/logging"
	"github.com/kelmah/gateway/internal/metrics"
	"github.com/kelmah/gateway/internal/middleware"
	"github.com/kelmah/gateway/internal/registry"
)

const (
	// HeaderServedBy names the service that answered.
	HeaderServedBy = "X-Served-By"
	// HeaderServiceHealth carries the coarse breaker label of that service.
	HeaderServiceHealth = "X-Service-Health"

	DefaultIdentityHeader = "X-Authenticated-User"
)

// Proxy forwards requests to registered services behind their breakers.
type Proxy struct {
	registry       *registry.Registry
	transport      http.RoundTripper
	timeout        time.Duration
	identityHeader string
	debug          bool
	metrics        *metrics.Collector
}

// Config holds proxy configuration
type Config struct {
	Registry       *registry.Registry
	Transport      http.RoundTripper
	Timeout        time.Duration // per downstream call, default 30s
	IdentityHeader string
	Debug          bool // attach underlying errors and stacks to envelopes
	Metrics        *metrics.Collector
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	header := cfg.IdentityHeader
	if header == "" {
		header = DefaultIdentityHeader
	}

	return &Proxy{
		registry:       cfg.Registry,
		transport:      transport,
		timeout:        timeout,
		identityHeader: header,
		debug:          cfg.Debug,
		metrics:        cfg.Metrics,
	}
}

// Handler returns an http.Handler that forwards to t.Service. Each request
// runs gate, forward, classify, record and respond in that order.
func (p *Proxy) Handler(t Target) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := p.serve(w, r, t)
		p.metrics.RecordRequest(t.Service, status, time.Since(start))
	})
}

// ConfigErrorHandler answers every request with CONFIGURATION_ERROR. It
// stands in for routes whose service could not be registered.
func (p *Proxy) ConfigErrorHandler(service string, cause error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fail(w, r, gwerrors.ErrConfiguration.WithService(service).WithCause(cause))
		p.metrics.RecordRequest(service, http.StatusServiceUnavailable, 0)
	})
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, t Target) int {
	entry, gerr := p.gate(t.Service)
	if gerr != nil {
		p.fail(w, r, gerr)
		return gerr.Status
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	outReq, err := p.forward(ctx, r, entry, t)
	if err != nil {
		logging.Error("failed to forward request body",
			zap.String("service", t.Service),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		ge := gwerrors.ErrForwardingFailure.WithService(t.Service).WithCause(err)
		p.fail(w, r, ge)
		return ge.Status
	}

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		return p.classify(w, r, entry, err)
	}
	defer resp.Body.Close()

	p.record(entry, resp.StatusCode)
	p.respond(w, entry, resp)
	return resp.StatusCode
}

// gate resolves the service and asks its breaker for admission.
func (p *Proxy) gate(service string) (*registry.Entry, *gwerrors.GatewayError) {
	entry, ok := p.registry.Lookup(service)
	if !ok {
		return nil, gwerrors.ErrConfiguration.WithService(service).WithCause(registry.ErrServiceNotFound)
	}
	if !entry.Breaker.AllowRequest() {
		p.metrics.RecordBreakerRejection(service)
		return nil, entry.Breaker.BlockedResponse()
	}
	return entry, nil
}

// forward builds the outbound request. A body already decoded by the
// parsing stage is re-serialised since the inbound stream is consumed.
func (p *Proxy) forward(ctx context.Context, r *http.Request, entry *registry.Entry, t Target) (*http.Request, error) {
	target := *entry.Service.BaseURL
	target.Path = entry.Service.BaseURL.Path + t.Path(r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	out := (&http.Request{
		Method:     r.Method,
		URL:        &target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     r.Header.Clone(),
		Host:       target.Host,
	}).WithContext(ctx)
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)

	if err := p.setBody(out, r); err != nil {
		return nil, err
	}

	out.Header.Del(p.identityHeader)
	if principal, ok := middleware.PrincipalFromContext(r.Context()); ok {
		raw, err := json.Marshal(principal)
		if err != nil {
			return nil, err
		}
		out.Header.Set(p.identityHeader, string(raw))
	}

	setForwardedHeaders(out.Header, r)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out, nil
}

func (p *Proxy) setBody(out, r *http.Request) error {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		out.Body = http.NoBody
		out.ContentLength = 0
		out.Header.Del("Content-Length")
		return nil
	}

	v, parsed := middleware.ParsedBodyFromContext(r.Context())
	if !parsed {
		out.Body = r.Body
		out.ContentLength = r.ContentLength
		return nil
	}

	data, err := encodeBody(v)
	if err != nil {
		return err
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.ContentLength = int64(len(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	out.Header.Set("Content-Length", strconv.Itoa(len(data)))
	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	return nil
}

func encodeBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// classify turns a transport error into an envelope. A caller that went
// away is not held against the service.
func (p *Proxy) classify(w http.ResponseWriter, r *http.Request, entry *registry.Entry, err error) int {
	name := entry.Service.Name
	if r.Context().Err() != nil {
		logging.Debug("client disconnected before downstream answered",
			zap.String("service", name),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		return 499
	}

	entry.Breaker.RecordFailure()
	kind := gwerrors.Classify(err)
	logging.Warn("downstream request failed",
		zap.String("service", name),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind.String()),
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		zap.Error(err),
	)

	ge := kind.Envelope().WithService(name).WithCause(err)
	p.fail(w, r, ge)
	return ge.Status
}

func (p *Proxy) record(entry *registry.Entry, status int) {
	if status >= http.StatusInternalServerError {
		entry.Breaker.RecordFailure()
		return
	}
	entry.Breaker.RecordSuccess()
}

func (p *Proxy) respond(w http.ResponseWriter, entry *registry.Entry, resp *http.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append(h[k][:0:0], vv...)
	}
	removeHopHeaders(h)
	h.Set(HeaderServedBy, entry.Service.Name)
	h.Set(HeaderServiceHealth, entry.Breaker.State().HealthLabel())

	w.WriteHeader(resp.StatusCode)
	copyBody(w, resp)
}

func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, ge *gwerrors.GatewayError) {
	ge = ge.WithRequestID(middleware.RequestIDFromContext(r.Context()))
	if p.debug {
		ge = ge.WithDebug()
	}
	ge.WriteJSON(w)
}

// copyBody streams the response, flushing per chunk for event streams.
func copyBody(w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		io.Copy(w, resp.Body)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

func setForwardedHeaders(h http.Header, r *http.Request) {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+host)
		} else {
			h.Set("X-Forwarded-For", host)
		}
	}
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, f := range header.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
