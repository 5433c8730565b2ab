package intercept

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/parser"
)

const searchBody = `{"response":{"numFound":2,"docs":[{"genpinId":"1"},{"genpinId":"2"}]}}`

func TestRoundTripperObservesSearchCalls(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, testPrefix,
		func(req *http.Request) (*http.Response, error) {
			raw, _ := io.ReadAll(req.Body)
			if string(raw) != `{"q":"a7"}` {
				t.Errorf("upstream body = %q", raw)
			}
			resp := httpmock.NewStringResponse(http.StatusOK, searchBody)
			resp.Header.Set("Content-Type", "application/json")
			return resp, nil
		})
	mock.RegisterResponder(http.MethodGet, "https://www.mapcamera.com/item/1",
		httpmock.NewStringResponder(http.StatusOK, "<html></html>"))

	rec := &recorder{}
	client := &http.Client{Transport: NewRoundTripper(newTestInterceptor(rec), mock)}

	req, _ := http.NewRequest(http.MethodPost, testPrefix, strings.NewReader(`{"q":"a7"}`))
	req.Header.Set("X-Requested-With", "mcw")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("search call: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(raw) != searchBody {
		t.Fatalf("caller body = %q, want untouched response", raw)
	}

	if _, err := client.Get("https://www.mapcamera.com/item/1"); err != nil {
		t.Fatalf("item call: %v", err)
	}

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("exchanges = %d, want 1", len(got))
	}
	ex := got[0]
	if ex.Context != models.ContextFetch || ex.Status != http.StatusOK {
		t.Fatalf("exchange = %+v", ex)
	}
	if ex.RequestHeaders.Get("X-Requested-With") != "mcw" {
		t.Fatalf("caller headers not captured: %v", ex.RequestHeaders)
	}
	if body, ok := ex.RequestBody.(map[string]any); !ok || body["q"] != "a7" {
		t.Fatalf("request body = %v", ex.RequestBody)
	}
	if docs, ok := parser.Docs(ex.Body); !ok || len(docs) != 2 {
		t.Fatalf("docs = %v", docs)
	}
}

func TestRoundTripperTransportFailure(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, testPrefix, httpmock.NewErrorResponder(errors.New("dial tcp: refused")))

	rec := &recorder{}
	client := &http.Client{Transport: NewRoundTripper(newTestInterceptor(rec), mock)}
	if _, err := client.Get(testPrefix); err == nil {
		t.Fatalf("expected transport error to reach the caller")
	}

	got := rec.all()
	if len(got) != 1 || got[0].Err == nil || got[0].Status != 0 {
		t.Fatalf("exchanges = %+v, want one failed exchange", got)
	}
}

func newTestCollector(mock http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.WithTransport(mock)
	return c
}

func TestHookCollector(t *testing.T) {
	tests := []struct {
		name       string
		responder  httpmock.Responder
		wantStatus int
		wantErr    bool
		wantDocs   int
	}{
		{
			name: "json response",
			responder: func(*http.Request) (*http.Response, error) {
				resp := httpmock.NewStringResponse(http.StatusOK, searchBody)
				resp.Header.Set("Content-Type", "application/json")
				return resp, nil
			},
			wantStatus: http.StatusOK,
			wantDocs:   2,
		},
		{
			name:       "error status is still a response",
			responder:  httpmock.NewStringResponder(http.StatusInternalServerError, "oops"),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:      "transport failure",
			responder: httpmock.NewErrorResponder(errors.New("connection reset")),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := httpmock.NewMockTransport()
			mock.RegisterResponder(http.MethodPost, testPrefix, tt.responder)

			c := newTestCollector(mock)
			c.OnRequest(func(r *colly.Request) {
				r.Headers.Set("X-Requested-With", "XMLHttpRequest")
			})
			rec := &recorder{}
			HookCollector(context.Background(), c, newTestInterceptor(rec))

			hdr := http.Header{"Content-Type": []string{"application/json"}}
			_ = c.Request(http.MethodPost, testPrefix, bytes.NewReader([]byte(`{"page":1}`)), nil, hdr)
			c.Wait()

			got := rec.all()
			if len(got) != 1 {
				t.Fatalf("exchanges = %d, want 1", len(got))
			}
			ex := got[0]
			if ex.Context != models.ContextXHR {
				t.Fatalf("context = %q", ex.Context)
			}
			if ex.RequestHeaders.Get("X-Requested-With") != "XMLHttpRequest" {
				t.Fatalf("headers set before send were not captured")
			}
			if body, ok := ex.RequestBody.(map[string]any); !ok || body["page"] == nil {
				t.Fatalf("request body = %v", ex.RequestBody)
			}
			if tt.wantErr != (ex.Err != nil) {
				t.Fatalf("Err = %v, wantErr %v", ex.Err, tt.wantErr)
			}
			if ex.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", ex.Status, tt.wantStatus)
			}
			if tt.wantDocs > 0 {
				if docs, _ := parser.Docs(ex.Body); len(docs) != tt.wantDocs {
					t.Fatalf("docs = %d, want %d", len(docs), tt.wantDocs)
				}
			}
		})
	}
}
