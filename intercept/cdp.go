package intercept

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/aluiziolira/mapcamera-watch/models"
)

type cdpCall struct {
	call   *Call
	status int
	ctype  string
}

// AttachCDP observes the page's network domain. Only fetch and XHR resources
// are considered; the CDP resource type picks the exchange context. The
// returned wait func blocks until the page's event stream ends.
func AttachCDP(ctx context.Context, page *rod.Page, i *Interceptor) (func(), error) {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		pending = map[proto.NetworkRequestID]*cdpCall{}
	)
	take := func(id proto.NetworkRequestID) *cdpCall {
		mu.Lock()
		defer mu.Unlock()
		entry := pending[id]
		delete(pending, id)
		return entry
	}

	wait := page.Context(ctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			transport, ok := resourceContext(e.Type)
			if !ok || e.Request == nil {
				return
			}
			call := i.Begin(Request{
				Context: transport,
				URL:     e.Request.URL,
				Method:  e.Request.Method,
				Headers: cdpHeaders(e.Request.Headers),
				Body:    []byte(e.Request.PostData),
			})
			if call == nil {
				return
			}
			mu.Lock()
			pending[e.RequestID] = &cdpCall{call: call}
			mu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			mu.Lock()
			if entry, ok := pending[e.RequestID]; ok {
				entry.status = e.Response.Status
				entry.ctype = cdpHeaders(e.Response.Headers).Get("Content-Type")
				if entry.ctype == "" {
					entry.ctype = e.Response.MIMEType
				}
			}
			mu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			entry := take(e.RequestID)
			if entry == nil {
				return
			}
			// Body retrieval is a CDP round trip and must not block the event loop.
			go func() {
				body, err := responseBody(page, e.RequestID)
				if err != nil {
					slog.Warn("cdp response body unavailable",
						slog.String("component", "intercept"),
						slog.Any("error", err),
					)
					entry.call.Finish(ctx, Response{Status: entry.status, Err: err})
					return
				}
				entry.call.Finish(ctx, Response{
					Status:       entry.status,
					ContentType:  entry.ctype,
					ResponseType: "text",
					Body:         body,
				})
			}()
		},
		func(e *proto.NetworkLoadingFailed) {
			entry := take(e.RequestID)
			if entry == nil {
				return
			}
			err := errors.New(e.ErrorText)
			if e.Canceled {
				err = context.Canceled
			}
			entry.call.Finish(ctx, Response{Err: err})
		},
	)
	return wait, nil
}

func resourceContext(t proto.NetworkResourceType) (string, bool) {
	switch t {
	case proto.NetworkResourceTypeFetch:
		return models.ContextFetch, true
	case proto.NetworkResourceTypeXHR:
		return models.ContextXHR, true
	}
	return "", false
}

func cdpHeaders(in proto.NetworkHeaders) http.Header {
	out := make(http.Header, len(in))
	for key, value := range in {
		out.Set(key, value.Str())
	}
	return out
}

func responseBody(page *rod.Page, id proto.NetworkRequestID) ([]byte, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		return nil, err
	}
	if !res.Base64Encoded {
		return []byte(res.Body), nil
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(res.Body))
}
