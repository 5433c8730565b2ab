package models

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrMissingPrices is returned for price master bodies without a prices object.
var ErrMissingPrices = errors.New("price table: missing prices object")

// Transport contexts reported on every exchange.
const (
	ContextFetch = "fetch"
	ContextXHR   = "xhr"
)

// Exchange is one observed call to the search API and its outcome.
type Exchange struct {
	Context        string
	URL            string
	Method         string
	RequestHeaders http.Header
	RequestBody    any
	Status         int
	ContentType    string
	ResponseType   string
	Body           any
	Err            error
}

// IsJSON reports whether the response declared a JSON content type.
func (e *Exchange) IsJSON() bool {
	return strings.Contains(strings.ToLower(e.ContentType), "application/json")
}

// DetailRecord is posted to the detail ingestion endpoint for enrichment-lane docs.
type DetailRecord struct {
	ProductCode string `json:"jan"`
	Identity    string `json:"genpinId"`
	Price       int64  `json:"price"`
	Condition   int    `json:"cond"`
	Description string `json:"dsc"`
	UnixTime    int64  `json:"unixtime"`
	Date        string `json:"date"`
	Time        string `json:"time"`
}

// ReloadState is the persisted reload counter. LastReloadAt is epoch milliseconds,
// zero meaning the session has never reloaded.
type ReloadState struct {
	Reloads      int   `json:"reloads"`
	LastReloadAt int64 `json:"lastReloadAt"`
}

// PriceTable maps product codes to reference prices.
type PriceTable struct {
	Prices    map[string]float64 `json:"prices"`
	UpdatedAt string             `json:"updated_at"`
}

// DecodePriceTable accepts numbers or numeric strings as prices and skips anything else.
func DecodePriceTable(raw []byte) (*PriceTable, error) {
	var wire struct {
		Prices    map[string]json.RawMessage `json:"prices"`
		UpdatedAt any                        `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	if wire.Prices == nil {
		return nil, ErrMissingPrices
	}

	table := &PriceTable{Prices: make(map[string]float64, len(wire.Prices))}
	for code, value := range wire.Prices {
		var v any
		dec := json.NewDecoder(strings.NewReader(string(value)))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if price, ok := ToFloat(v); ok {
			table.Prices[code] = price
		}
	}
	if s, ok := stringify(wire.UpdatedAt); ok {
		table.UpdatedAt = s
	}
	return table, nil
}

// Lookup returns the reference price for code.
func (t *PriceTable) Lookup(code string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	price, ok := t.Prices[code]
	return price, ok
}

// IngestBatch is the primary ingestion request body.
type IngestBatch struct {
	ClientTSMs int64        `json:"client_ts_ms"`
	PageURL    string       `json:"page_url"`
	Context    string       `json:"context"`
	Docs       []ProductDoc `json:"docs"`
}

// ExchangeRecord is the loggable summary of an exchange. The documents are
// reduced to their count.
type ExchangeRecord struct {
	ObservedAt   time.Time `json:"observed_at"`
	Context      string    `json:"context"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	Status       int       `json:"status"`
	ContentType  string    `json:"content_type"`
	ResponseType string    `json:"response_type"`
	DocsCount    int       `json:"docsCount"`
	Error        string    `json:"error,omitempty"`

	// Normalized bodies travel with the record for shipping to the log
	// endpoint; local log files never carry them.
	RequestBody  any `json:"-"`
	ResponseBody any `json:"-"`
}

// LogItem is one exchange as stored by the log ingestion endpoint.
type LogItem struct {
	ClientTSMs   int64  `json:"client_ts_ms,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
	PageURL      string `json:"page_url,omitempty"`
	Context      string `json:"context,omitempty"`
	Method       string `json:"method,omitempty"`
	URL          string `json:"url,omitempty"`
	Status       int    `json:"status,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	RequestBody  any    `json:"request_body,omitempty"`
	ResponseBody any    `json:"response_body,omitempty"`
}

// LogBatch is the log ingestion request body.
type LogBatch struct {
	Items []LogItem `json:"items"`
}

// Summarize reduces ex to a record, given the number of docs it carried.
func (e *Exchange) Summarize(at time.Time, docsCount int) ExchangeRecord {
	rec := ExchangeRecord{
		ObservedAt:   at,
		Context:      e.Context,
		URL:          e.URL,
		Method:       e.Method,
		Status:       e.Status,
		ContentType:  e.ContentType,
		ResponseType: e.ResponseType,
		DocsCount:    docsCount,
		RequestBody:  e.RequestBody,
		ResponseBody: e.Body,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	return rec
}
