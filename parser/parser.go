package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"github.com/aluiziolira/mapcamera-watch/models"
)

// ErrInvalidJSON reports a body that declared JSON but did not parse.
var ErrInvalidJSON = errors.New("parser: invalid json body")

// DecodeJSON decodes a single JSON value keeping numbers as json.Number.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after json value")
	}
	return v, nil
}

// ParseBody interprets a response body. JSON content types must parse; for any
// other content type the text is tried as JSON and otherwise kept as a truncated string.
func ParseBody(contentType string, raw []byte, maxChars int) (any, error) {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		v, err := DecodeJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return v, nil
	}
	if v, err := DecodeJSON(raw); err == nil {
		return v, nil
	}
	return Truncate(string(raw), maxChars), nil
}

// NormalizeRequestBody turns an outgoing request body into something loggable.
func NormalizeRequestBody(contentType string, raw []byte, maxChars int) any {
	if len(raw) == 0 {
		return nil
	}
	if v, err := DecodeJSON(raw); err == nil {
		return v
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		if values, err := url.ParseQuery(string(raw)); err == nil {
			form := make(map[string]any, len(values))
			for key, vals := range values {
				if len(vals) == 1 {
					form[key] = vals[0]
					continue
				}
				form[key] = vals
			}
			return form
		}
	}
	return Truncate(string(raw), maxChars)
}

// Truncate caps s at maxChars characters and appends the omitted count.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return fmt.Sprintf("%s ...[truncated %d chars]", string(runes[:maxChars]), len(runes)-maxChars)
}

// Docs returns body.response.docs. Any other shape yields no documents.
func Docs(body any) ([]models.ProductDoc, bool) {
	root, ok := body.(map[string]any)
	if !ok {
		return nil, false
	}
	response, ok := root["response"].(map[string]any)
	if !ok {
		return nil, false
	}
	raw, ok := response["docs"].([]any)
	if !ok {
		return nil, false
	}

	docs := make([]models.ProductDoc, 0, len(raw))
	for _, entry := range raw {
		if doc, ok := entry.(map[string]any); ok {
			docs = append(docs, models.ProductDoc(doc))
		}
	}
	return docs, true
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
