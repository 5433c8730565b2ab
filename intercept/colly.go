package intercept

import (
	"context"
	"io"
	"net/http"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/mapcamera-watch/models"
)

const callCtxKey = "intercept.call"

// HookCollector observes search calls issued by c. Hooks run in registration
// order, so install it after any OnRequest callback that sets headers.
//
// Colly reports an error status through OnError and may call OnError again
// after OnResponse when an HTML callback fails; the call's once guard keeps a
// single exchange per request.
func HookCollector(ctx context.Context, c *colly.Collector, i *Interceptor) {
	c.OnRequest(func(r *colly.Request) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		call := i.Begin(Request{
			Context: models.ContextXHR,
			URL:     r.URL.String(),
			Method:  r.Method,
			Headers: headers,
			Body:    peekBody(r.Body),
		})
		if call != nil {
			r.Ctx.Put(callCtxKey, call)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		callFrom(r.Ctx).Finish(ctx, collyResponse(r, nil))
	})

	c.OnError(func(r *colly.Response, err error) {
		if r == nil {
			return
		}
		callFrom(r.Ctx).Finish(ctx, collyResponse(r, err))
	})
}

func callFrom(ctx *colly.Context) *Call {
	if ctx == nil {
		return nil
	}
	call, _ := ctx.GetAny(callCtxKey).(*Call)
	return call
}

// collyResponse treats a populated error response as a completed exchange.
// Only a missing status means the transport failed.
func collyResponse(r *colly.Response, err error) Response {
	if r.StatusCode == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return Response{Err: err}
	}
	var contentType string
	if r.Headers != nil {
		contentType = r.Headers.Get("Content-Type")
	}
	return Response{
		Status:       r.StatusCode,
		ContentType:  contentType,
		ResponseType: "text",
		Body:         r.Body,
	}
}

// peekBody reads a seekable request body and rewinds it for the transport.
func peekBody(body io.Reader) []byte {
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		return nil
	}
	raw, err := io.ReadAll(seeker)
	if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr != nil || err != nil {
		return nil
	}
	return raw
}
