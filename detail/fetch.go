package detail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/scraper"
)

// ErrNoDetailURL is returned for docs carrying neither a URL nor a page code.
var ErrNoDetailURL = errors.New("detail: no item url")

// URLResolver builds the canonical item page URL for a document.
type URLResolver struct {
	Origin     string // base for relative URLs
	Template   string // fmt template taking the page code
	QueryKey   string
	QueryValue string
}

// Resolve prefers an explicit URL field, else formats Template with the page
// code. QueryKey is always forced to QueryValue.
func (r URLResolver) Resolve(doc models.ProductDoc) (string, error) {
	raw, ok := doc.DetailURL()
	if !ok {
		code, ok := doc.PageCode()
		if !ok {
			return "", ErrNoDetailURL
		}
		raw = fmt.Sprintf(r.Template, url.PathEscape(code))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse item url %q: %w", raw, err)
	}
	if !u.IsAbs() && r.Origin != "" {
		base, err := url.Parse(r.Origin)
		if err != nil {
			return "", fmt.Errorf("parse origin: %w", err)
		}
		u = base.ResolveReference(u)
	}
	if r.QueryKey != "" {
		q := u.Query()
		q.Set(r.QueryKey, r.QueryValue)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Fetch loads and parses one item page under the detail timeout.
func (e *Enricher) Fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.fetchDocument(ctx, pageURL)
}

// Selectors returns the selectors Describe is run with.
func (e *Enricher) Selectors() Selectors {
	return e.selectors
}

// fetchDocument GETs the item page and parses it. The caller's context carries the deadline.
func (e *Enricher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build detail request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err := scraper.CheckResponse(resp, err); err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, scraper.ClassifyError(fmt.Errorf("parse detail page: %w", err), 0)
	}
	return doc, nil
}
