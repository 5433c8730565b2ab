// Package ingestserver is the HTTP service the agent forwards to: it stores
// search docs, detail records and exchange logs, and serves the price master.
package ingestserver

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/mapcamera-watch/models"
)

const maxBodyBytes = 16 << 20

// Server handles the ingestion endpoints.
type Server struct {
	store  Store
	apiKey string
	now    func() time.Time
}

// NewServer builds a server. An empty apiKey rejects every authenticated call.
func NewServer(store Store, apiKey string) *Server {
	return &Server{store: store, apiKey: apiKey, now: time.Now}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("POST /mapcamera-search-docs", s.authorized(s.ingestDocs))
	mux.Handle("POST /mapcamera-detail", s.authorized(s.ingestDetail))
	mux.Handle("GET /price-master", s.authorized(s.priceMaster))
	mux.Handle("POST /ingest", s.authorized(s.ingestLogs))
	return mux
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) ingestDocs(w http.ResponseWriter, r *http.Request) {
	var batch models.IngestBatch
	if err := decodeBody(w, r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(batch.Docs) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"inserted": 0})
		return
	}

	updatetime := batch.ClientTSMs
	if updatetime == 0 {
		updatetime = s.now().UnixMilli()
	}
	inserted, err := s.store.UpsertDocs(r.Context(), batch.Docs, updatetime)
	if err != nil {
		s.storeFailed(w, "upsert docs", err)
		return
	}

	slog.Info("docs ingested",
		slog.String("component", "ingestserver"),
		slog.String("context", batch.Context),
		slog.String("page_url", batch.PageURL),
		slog.Int("received", len(batch.Docs)),
		slog.Int("inserted", inserted),
	)
	writeJSON(w, http.StatusOK, map[string]int{"inserted": inserted})
}

func (s *Server) ingestDetail(w http.ResponseWriter, r *http.Request) {
	var rec models.DetailRecord
	if err := decodeBody(w, r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(rec.ProductCode) == "" || strings.TrimSpace(rec.Identity) == "" {
		writeError(w, http.StatusBadRequest, "jan and genpinId are required")
		return
	}
	if err := s.store.InsertDetail(r.Context(), rec); err != nil {
		s.storeFailed(w, "insert detail", err)
		return
	}

	slog.Info("detail ingested",
		slog.String("component", "ingestserver"),
		slog.String("jan", rec.ProductCode),
		slog.String("genpin_id", rec.Identity),
		slog.Int("cond", rec.Condition),
	)
	writeJSON(w, http.StatusOK, map[string]int{"inserted": 1})
}

func (s *Server) ingestLogs(w http.ResponseWriter, r *http.Request) {
	var batch models.LogBatch
	if err := decodeBody(w, r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(batch.Items) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"inserted": 0})
		return
	}

	inserted, err := s.store.InsertLogs(r.Context(), batch.Items)
	if err != nil {
		s.storeFailed(w, "insert logs", err)
		return
	}

	slog.Debug("exchange logs ingested",
		slog.String("component", "ingestserver"),
		slog.Int("inserted", inserted),
	)
	writeJSON(w, http.StatusOK, map[string]int{"inserted": inserted})
}

func (s *Server) priceMaster(w http.ResponseWriter, r *http.Request) {
	table, err := s.store.PriceTable(r.Context())
	if err != nil {
		s.storeFailed(w, "read price master", err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (s *Server) storeFailed(w http.ResponseWriter, op string, err error) {
	slog.Error("store operation failed",
		slog.String("component", "ingestserver"),
		slog.String("op", op),
		slog.Any("error", err),
	)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed",
			slog.String("component", "ingestserver"),
			slog.Any("error", err),
		)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
