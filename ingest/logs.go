package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/scraper"
)

const (
	logQueueSize = 256
	maxLogBatch  = 50
)

// LogShipper posts exchange records, bodies included, to the log ingestion
// endpoint. Writes never block the exchange path: records are queued and
// sent in batches by one goroutine, and dropped when the queue is full.
type LogShipper struct {
	client    *Client
	url       string
	sessionID string

	items chan models.LogItem
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	attempted int
	delivered int
}

// NewLogShipper starts a shipper posting to url with c's credentials.
func NewLogShipper(c *Client, url, sessionID string) *LogShipper {
	s := &LogShipper{
		client:    c,
		url:       url,
		sessionID: sessionID,
		items:     make(chan models.LogItem, logQueueSize),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

// Write queues records for shipping.
func (s *LogShipper) Write(records []models.ExchangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("log shipper closed")
	}

	pageURL := s.client.PageURL()
	for _, rec := range records {
		item := models.LogItem{
			ClientTSMs:   rec.ObservedAt.UnixMilli(),
			SessionID:    s.sessionID,
			TraceID:      uuid.NewString(),
			PageURL:      pageURL,
			Context:      rec.Context,
			Method:       rec.Method,
			URL:          rec.URL,
			Status:       rec.Status,
			ContentType:  rec.ContentType,
			RequestBody:  rec.RequestBody,
			ResponseBody: rec.ResponseBody,
		}
		select {
		case s.items <- item:
		default:
			s.client.metrics.IncPost("logs", "dropped")
			slog.Warn("exchange log item dropped: queue full",
				slog.String("component", "ingest"),
				slog.String("url", rec.URL),
			)
		}
	}
	return nil
}

// Close ships what is queued and stops the shipper.
func (s *LogShipper) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.items)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

// Validate fails when items were sent but none was accepted.
func (s *LogShipper) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempted > 0 && s.delivered == 0 {
		return errors.New("no exchange log item was delivered")
	}
	return nil
}

func (s *LogShipper) loop() {
	defer close(s.done)

	for item := range s.items {
		batch := []models.LogItem{item}
	fill:
		for len(batch) < maxLogBatch {
			select {
			case next, ok := <-s.items:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		s.send(batch)
	}
}

func (s *LogShipper) send(batch []models.LogItem) {
	if s.client.apiKey == "" {
		slog.Warn("exchange log post skipped: missing api key", slog.String("component", "ingest"))
		return
	}

	err := s.client.post(context.Background(), s.url, models.LogBatch{Items: batch})

	s.mu.Lock()
	s.attempted += len(batch)
	if err == nil {
		s.delivered += len(batch)
	}
	s.mu.Unlock()

	if err != nil {
		s.client.metrics.IncPost("logs", "error")
		slog.Warn("exchange log post failed",
			slog.String("component", "ingest"),
			slog.Int("count", len(batch)),
			slog.String("category", scraper.ErrorTypeLabel(err)),
			slog.Any("error", err),
		)
		return
	}
	s.client.metrics.IncPost("logs", "ok")
}
