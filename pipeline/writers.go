package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/mapcamera-watch/models"
)

var csvHeader = []string{"observed_at", "context", "method", "url", "status", "content_type", "docs_count", "error"}

// logFile is an append-only exchange log. Logs span page loads and process
// restarts, so existing content is never truncated.
type logFile struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
}

func openLogFile(path string) (*logFile, bool, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("stat %s: %w", path, err)
	}
	return &logFile{path: path, file: f, buf: bufio.NewWriter(f)}, info.Size() == 0, nil
}

// Validate reports an empty log as an error.
func (l *logFile) Validate() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", l.path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", l.path)
	}
	return nil
}

func (l *logFile) close() error {
	if err := l.buf.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("flush %s: %w", l.path, err)
	}
	return l.file.Close()
}

// CSVWriter appends one summary row per exchange.
type CSVWriter struct {
	*logFile
	csv *csv.Writer
}

// NewCSVWriter opens filename for appending; the header is written only to a new file.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	lf, fresh, err := openLogFile(filename)
	if err != nil {
		return nil, err
	}
	w := &CSVWriter{logFile: lf, csv: csv.NewWriter(lf.buf)}
	if fresh {
		if err := w.writeRows([][]string{csvHeader}); err != nil {
			lf.file.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *CSVWriter) Write(records []models.ExchangeRecord) error {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ObservedAt.Format(time.RFC3339Nano),
			rec.Context,
			rec.Method,
			rec.URL,
			strconv.Itoa(rec.Status),
			rec.ContentType,
			strconv.Itoa(rec.DocsCount),
			rec.Error,
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRows(rows)
}

func (w *CSVWriter) writeRows(rows [][]string) error {
	if err := w.csv.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return w.buf.Flush()
}

func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.close()
}

// JSONWriter appends one JSON line per exchange.
type JSONWriter struct {
	*logFile
	enc *json.Encoder
}

func NewJSONWriter(filename string) (*JSONWriter, error) {
	lf, _, err := openLogFile(filename)
	if err != nil {
		return nil, err
	}
	return &JSONWriter{logFile: lf, enc: json.NewEncoder(lf.buf)}, nil
}

func (w *JSONWriter) Write(records []models.ExchangeRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		if err := w.enc.Encode(rec); err != nil {
			return fmt.Errorf("encode exchange record: %w", err)
		}
	}
	return w.buf.Flush()
}

func (w *JSONWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.close()
}
