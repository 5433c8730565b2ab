package intercept

import (
	"bytes"
	"io"
	"net/http"

	"github.com/aluiziolira/mapcamera-watch/models"
)

// RoundTripper observes search calls made through an http.Client. The caller
// still receives the full response; bodies are buffered and replaced.
type RoundTripper struct {
	Interceptor *Interceptor
	Next        http.RoundTripper
}

// NewRoundTripper wraps next, which defaults to http.DefaultTransport.
func NewRoundTripper(i *Interceptor, next http.RoundTripper) *RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RoundTripper{Interceptor: i, Next: next}
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.Interceptor == nil || !rt.Interceptor.Matches(req.URL.String()) {
		return rt.Next.RoundTrip(req)
	}

	var reqBody []byte
	if req.Body != nil && req.Body != http.NoBody {
		raw, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqBody = raw
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(raw))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
	}

	call := rt.Interceptor.Begin(Request{
		Context: models.ContextFetch,
		URL:     req.URL.String(),
		Method:  req.Method,
		Headers: req.Header.Clone(),
		Body:    reqBody,
	})

	resp, err := rt.Next.RoundTrip(req)
	if err != nil {
		call.Finish(req.Context(), Response{Err: err})
		return nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if readErr != nil {
		call.Finish(req.Context(), Response{Status: resp.StatusCode, Err: readErr})
		return resp, nil
	}

	call.Finish(req.Context(), Response{
		Status:       resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		ResponseType: "basic",
		Body:         raw,
	})
	return resp, nil
}
