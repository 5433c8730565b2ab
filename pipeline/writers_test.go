package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/mapcamera-watch/models"
)

func testRecord() models.ExchangeRecord {
	return models.ExchangeRecord{
		ObservedAt:  time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC),
		Context:     models.ContextFetch,
		URL:         "https://www.mapcamera.com/ec/api/itemsearch?q=1",
		Method:      "GET",
		Status:      200,
		ContentType: "application/json",
		DocsCount:   12,
	}
}

func TestCSVWriterAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "exchanges.csv")

	for i := 0; i < 2; i++ {
		writer, err := NewCSVWriter(path)
		if err != nil {
			t.Fatalf("create csv writer: %v", err)
		}
		if err := writer.Write([]models.ExchangeRecord{testRecord()}); err != nil {
			t.Fatalf("write csv: %v", err)
		}
		if err := writer.Validate(); err != nil {
			t.Fatalf("validate csv: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("close csv: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records=%d, want header plus 2 rows", len(records))
	}
	if records[0][0] != "observed_at" || records[1][6] != "12" {
		t.Fatalf("unexpected rows: %v", records)
	}
}

func TestJSONWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchanges.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := writer.Write([]models.ExchangeRecord{testRecord(), testRecord()}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if decoded["docsCount"] != float64(12) {
			t.Fatalf("docsCount = %v", decoded["docsCount"])
		}
		if _, ok := decoded["docs"]; ok {
			t.Fatalf("exchange log must not carry documents")
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if count != 2 {
		t.Fatalf("json lines=%d, want 2", count)
	}
}

func TestNewExchangeLog(t *testing.T) {
	dir := t.TempDir()

	none, err := NewExchangeLog("", "")
	if err != nil || none != nil {
		t.Fatalf("no paths should yield no writer, got %v (%v)", none, err)
	}

	csvPath := filepath.Join(dir, "exchanges.csv")
	jsonPath := filepath.Join(dir, "exchanges.jsonl")
	writer, err := NewExchangeLog(jsonPath, csvPath)
	if err != nil {
		t.Fatalf("create exchange log: %v", err)
	}
	if err := writer.Write([]models.ExchangeRecord{testRecord()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

type recordingWriter struct {
	records []models.ExchangeRecord
	closed  bool
}

func (w *recordingWriter) Write(records []models.ExchangeRecord) error {
	w.records = append(w.records, records...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func (w *recordingWriter) Validate() error { return nil }

func TestCombine(t *testing.T) {
	if Combine(nil, nil) != nil {
		t.Fatalf("no writers should combine to nil")
	}
	only := &recordingWriter{}
	if Combine(nil, only) != OutputWriter(only) {
		t.Fatalf("a single writer should be returned as is")
	}

	jsonPath := filepath.Join(t.TempDir(), "exchanges.jsonl")
	jsonWriter, err := NewJSONWriter(jsonPath)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	remote := &recordingWriter{}
	combined := Combine(jsonWriter, nil, remote)

	rec := testRecord()
	rec.RequestBody = map[string]any{"q": "a7"}
	rec.ResponseBody = map[string]any{"response": map[string]any{"numFound": 1}}
	if err := combined.Write([]models.ExchangeRecord{rec}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := combined.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !remote.closed || len(remote.records) != 1 || remote.records[0].RequestBody == nil {
		t.Fatalf("remote writer should receive the record with its bodies, got %+v", remote.records)
	}
	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(raw, &line); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if _, ok := line["request_body"]; ok {
		t.Fatalf("local log should not carry bodies: %s", raw)
	}
	if line["url"] != rec.URL {
		t.Fatalf("url = %v, want %q", line["url"], rec.URL)
	}
}
