// Package intercept observes calls to the search API across the supported
// transports and turns each matching response into one models.Exchange.
package intercept

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/parser"
)

// Handler consumes exchanges. It is shared by every transport adapter.
type Handler interface {
	HandleExchange(ctx context.Context, ex *models.Exchange)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ex *models.Exchange)

func (f HandlerFunc) HandleExchange(ctx context.Context, ex *models.Exchange) { f(ctx, ex) }

// Request is the transport-neutral view of an outgoing call.
type Request struct {
	Context string
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
}

// Response is the transport-neutral view of a call outcome. Err is set when
// the transport produced no response at all.
type Response struct {
	Status       int
	ContentType  string
	ResponseType string
	Body         []byte
	Err          error
}

// Interceptor gates calls on the search prefix and dispatches their exchanges.
type Interceptor struct {
	Prefix      string
	Origin      string
	MaxLogChars int
	Handler     Handler
	Metrics     *metrics.Metrics
}

// New builds an interceptor for cfg dispatching to handler.
func New(cfg *config.Config, handler Handler, m *metrics.Metrics) *Interceptor {
	return &Interceptor{
		Prefix:      cfg.SearchPrefix,
		Origin:      cfg.SiteOrigin,
		MaxLogChars: cfg.MaxLogChars,
		Handler:     handler,
		Metrics:     m,
	}
}

// Resolve returns rawURL made absolute against the origin.
func (i *Interceptor) Resolve(rawURL string) string {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if ref.IsAbs() || i.Origin == "" {
		return ref.String()
	}
	base, err := url.Parse(i.Origin)
	if err != nil {
		return rawURL
	}
	return base.ResolveReference(ref).String()
}

// Matches reports whether rawURL targets the search API.
func (i *Interceptor) Matches(rawURL string) bool {
	return strings.HasPrefix(i.Resolve(rawURL), i.Prefix)
}

// Begin logs a matching request and returns the call to finish once its
// response is known. Non-matching requests return nil.
func (i *Interceptor) Begin(req Request) *Call {
	absolute := i.Resolve(req.URL)
	if !strings.HasPrefix(absolute, i.Prefix) {
		return nil
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	headers := req.Headers
	if headers == nil {
		headers = http.Header{}
	}
	body := parser.NormalizeRequestBody(headers.Get("Content-Type"), req.Body, i.MaxLogChars)

	slog.Info("search request",
		slog.String("component", "intercept"),
		slog.String("context", req.Context),
		slog.String("url", absolute),
		slog.String("method", method),
		slog.Any("headers", flattenHeaders(headers)),
		slog.Any("body", body),
	)

	return &Call{
		interceptor: i,
		context:     req.Context,
		url:         absolute,
		method:      method,
		headers:     headers,
		body:        body,
	}
}

// Call is one in-flight matching request.
type Call struct {
	interceptor *Interceptor
	context     string
	url         string
	method      string
	headers     http.Header
	body        any
	once        sync.Once
}

// Finish builds the exchange and hands it to the handler. Only the first
// call has any effect, whichever terminal event reports it.
func (c *Call) Finish(ctx context.Context, resp Response) {
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.interceptor.dispatch(ctx, c.exchange(resp))
	})
}

func (c *Call) exchange(resp Response) *models.Exchange {
	ex := &models.Exchange{
		Context:        c.context,
		URL:            c.url,
		Method:         c.method,
		RequestHeaders: c.headers,
		RequestBody:    c.body,
		Status:         resp.Status,
		ContentType:    resp.ContentType,
		ResponseType:   resp.ResponseType,
	}
	if resp.Err != nil {
		ex.Status = 0
		ex.Err = resp.Err
		return ex
	}

	body, err := parser.ParseBody(resp.ContentType, resp.Body, c.interceptor.MaxLogChars)
	ex.Body = body
	ex.Err = err
	return ex
}

func (i *Interceptor) dispatch(ctx context.Context, ex *models.Exchange) {
	outcome := "ok"
	if ex.Err != nil {
		outcome = "error"
	}
	i.Metrics.IncExchange(ex.Context, outcome)

	if i.Handler == nil {
		slog.Debug("exchange dropped: no handler",
			slog.String("component", "intercept"),
			slog.String("context", ex.Context),
			slog.String("url", ex.URL),
		)
		return
	}
	i.Handler.HandleExchange(ctx, ex)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	return out
}
