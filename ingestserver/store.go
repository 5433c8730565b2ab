package ingestserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluiziolira/mapcamera-watch/models"
)

// Store persists what the agent posts and serves the reference prices.
type Store interface {
	UpsertDocs(ctx context.Context, docs []models.ProductDoc, updatetime int64) (int, error)
	InsertDetail(ctx context.Context, rec models.DetailRecord) error
	PriceTable(ctx context.Context) (*models.PriceTable, error)
	InsertLogs(ctx context.Context, items []models.LogItem) (int, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mapcamera_search_docs (
		genpin_id    TEXT PRIMARY KEY,
		genpin_name  TEXT,
		jancode      TEXT,
		mapcode      TEXT,
		salesprice   BIGINT,
		specialprice BIGINT,
		conditionid  INTEGER,
		doc          JSONB NOT NULL,
		updatetime   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mapcamera_detail (
		id          BIGSERIAL PRIMARY KEY,
		jan         TEXT NOT NULL,
		genpin_id   TEXT NOT NULL,
		price       BIGINT,
		cond        INTEGER,
		dsc         TEXT,
		unixtime    BIGINT,
		date        TEXT,
		time        TEXT,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS itemsearch_logs (
		id                 BIGSERIAL PRIMARY KEY,
		client_ts_ms       BIGINT,
		session_id         TEXT,
		trace_id           TEXT,
		page_url           TEXT,
		context            TEXT,
		method             TEXT,
		url                TEXT,
		status             INTEGER,
		content_type       TEXT,
		request_body_json  JSONB,
		response_body_json JSONB,
		request_body_text  TEXT,
		response_body_text TEXT,
		received_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS price_master (
		jancode    TEXT PRIMARY KEY,
		price      DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

const upsertDocSQL = `INSERT INTO mapcamera_search_docs
	(genpin_id, genpin_name, jancode, mapcode, salesprice, specialprice, conditionid, doc, updatetime)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9)
	ON CONFLICT (genpin_id) DO UPDATE SET
		genpin_name = EXCLUDED.genpin_name,
		jancode = EXCLUDED.jancode,
		mapcode = EXCLUDED.mapcode,
		salesprice = EXCLUDED.salesprice,
		specialprice = EXCLUDED.specialprice,
		conditionid = EXCLUDED.conditionid,
		doc = EXCLUDED.doc,
		updatetime = EXCLUDED.updatetime`

const insertLogSQL = `INSERT INTO itemsearch_logs
	(client_ts_ms, session_id, trace_id, page_url, context, method, url, status, content_type,
	 request_body_json, response_body_json, request_body_text, response_body_text)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11::jsonb,$12,$13)`

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool  *pgxpool.Pool
	batch int
}

// OpenPG connects a pool to dsn.
func OpenPG(ctx context.Context, dsn string, maxConns int) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PGStore{pool: pool, batch: 200}, nil
}

// Bootstrap creates the tables when they do not exist yet.
func (s *PGStore) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// UpsertDocs writes docs in batches and returns how many rows were affected.
// Docs without an identity are skipped.
func (s *PGStore) UpsertDocs(ctx context.Context, docs []models.ProductDoc, updatetime int64) (int, error) {
	total := 0
	for i := 0; i < len(docs); i += s.batch {
		j := min(i+s.batch, len(docs))

		b := &pgx.Batch{}
		count := 0
		for _, doc := range docs[i:j] {
			row, ok := newDocRow(doc)
			if !ok {
				continue
			}
			b.Queue(upsertDocSQL,
				row.id, row.name, row.jan, row.mapcode, row.salesPrice, row.specialPrice,
				row.condition, row.raw, updatetime,
			)
			count++
		}
		if count == 0 {
			continue
		}

		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// InsertDetail appends one enrichment record.
func (s *PGStore) InsertDetail(ctx context.Context, rec models.DetailRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO mapcamera_detail
		(jan, genpin_id, price, cond, dsc, unixtime, date, time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ProductCode, rec.Identity, rec.Price, rec.Condition, rec.Description,
		rec.UnixTime, rec.Date, rec.Time,
	)
	return err
}

// InsertLogs appends exchange log items in batches and returns how many rows
// were written.
func (s *PGStore) InsertLogs(ctx context.Context, items []models.LogItem) (int, error) {
	total := 0
	for i := 0; i < len(items); i += s.batch {
		j := min(i+s.batch, len(items))

		b := &pgx.Batch{}
		for _, item := range items[i:j] {
			reqJSON, reqText := splitBody(item.RequestBody)
			respJSON, respText := splitBody(item.ResponseBody)
			b.Queue(insertLogSQL,
				nullInt64(item.ClientTSMs), nullString(item.SessionID), nullString(item.TraceID),
				nullString(item.PageURL), nullString(item.Context), nullString(item.Method),
				nullString(item.URL), nullInt(item.Status), nullString(item.ContentType),
				reqJSON, respJSON, reqText, respText,
			)
		}

		br := s.pool.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return total, err
			}
			total++
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// PriceTable reads the whole price master. UpdatedAt is the newest row's date.
func (s *PGStore) PriceTable(ctx context.Context) (*models.PriceTable, error) {
	rows, err := s.pool.Query(ctx, `SELECT jancode, price, updated_at FROM price_master`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table := &models.PriceTable{Prices: make(map[string]float64)}
	var newest time.Time
	for rows.Next() {
		var (
			code    string
			price   float64
			updated time.Time
		)
		if err := rows.Scan(&code, &price, &updated); err != nil {
			return nil, err
		}
		table.Prices[code] = price
		if updated.After(newest) {
			newest = updated
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !newest.IsZero() {
		table.UpdatedAt = newest.UTC().Format(time.RFC3339)
	}
	return table, nil
}

type docRow struct {
	id           string
	name         *string
	jan          *string
	mapcode      *string
	salesPrice   *int64
	specialPrice *int64
	condition    *int
	raw          string
}

func newDocRow(doc models.ProductDoc) (docRow, bool) {
	id, ok := doc.Identity()
	if !ok {
		return docRow{}, false
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return docRow{}, false
	}

	row := docRow{id: id, raw: string(raw)}
	if name := strings.TrimSpace(doc.Name()); name != "" {
		row.name = &name
	}
	if jan, ok := doc.ProductCode(); ok {
		row.jan = &jan
	}
	if code, ok := doc.PageCode(); ok {
		row.mapcode = &code
	}
	if v := int64(doc.SalesPrice()); v != 0 {
		row.salesPrice = &v
	}
	if v := int64(doc.SpecialPrice()); v != 0 {
		row.specialPrice = &v
	}
	if cond, ok := doc.Condition(); ok {
		row.condition = &cond
	}
	return row, true
}

// splitBody picks the column a logged body lands in. Objects, arrays, numbers
// and booleans go to the JSON column, as does a string holding an object or
// array. Any other string goes to the text column.
func splitBody(v any) (jsonText, text *string) {
	switch body := v.(type) {
	case nil:
		return nil, nil
	case string:
		trimmed := strings.TrimSpace(body)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var parsed any
			if json.Unmarshal([]byte(trimmed), &parsed) == nil {
				return &trimmed, nil
			}
		}
		return nil, &body
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			repr := fmt.Sprint(body)
			return nil, &repr
		}
		encoded := string(raw)
		return &encoded, nil
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
