package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/mapcamera-watch/models"
)

// MultiWriter fans exchange records out to every configured writer.
type MultiWriter struct {
	writers []OutputWriter
	mu      sync.Mutex
}

// NewExchangeLog opens the JSONL and CSV exchange logs that have a path.
// It returns nil when neither is configured.
func NewExchangeLog(jsonFilename, csvFilename string) (OutputWriter, error) {
	var writers []OutputWriter

	if jsonFilename != "" {
		jsonWriter, err := NewJSONWriter(jsonFilename)
		if err != nil {
			return nil, fmt.Errorf("create json exchange log: %w", err)
		}
		writers = append(writers, jsonWriter)
	}

	if csvFilename != "" {
		csvWriter, err := NewCSVWriter(csvFilename)
		if err != nil {
			for _, w := range writers {
				w.Close()
			}
			return nil, fmt.Errorf("create csv exchange log: %w", err)
		}
		writers = append(writers, csvWriter)
	}

	if len(writers) == 0 {
		return nil, nil
	}
	return &MultiWriter{writers: writers}, nil
}

// Combine joins the non-nil writers, returning nil when there are none.
func Combine(writers ...OutputWriter) OutputWriter {
	var live []OutputWriter
	for _, w := range writers {
		if w != nil {
			live = append(live, w)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return &MultiWriter{writers: live}
}

// Write writes records to every writer, stopping at the first failure.
func (mw *MultiWriter) Write(records []models.ExchangeRecord) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for _, w := range mw.writers {
		if err := w.Write(records); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every writer.
func (mw *MultiWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	var errs []error
	for _, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate validates every writer.
func (mw *MultiWriter) Validate() error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
