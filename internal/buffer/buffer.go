// Package buffer implements the durable local store that sits between the
// collector/analytics pipeline and the upload pump. Every sample, KPI
// record, and anomaly record is appended here before it is considered safe;
// rows survive process restarts and network outages until a batch is
// acknowledged by the remote store.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

const (
	// evictionProcessedAge is how old a processed row must be before it is
	// eligible for eviction under size-cap pressure.
	evictionProcessedAge = time.Hour
	// evictionUnprocessedBatch is how many of the oldest unprocessed
	// samples are dropped if evicting processed rows wasn't enough.
	// Analytics rows are never evicted this way (original_source's
	// _check_buffer_size only ever drops telemetry points).
	evictionUnprocessedBatch = 1000
)

// Store is the durable, size-capped buffer backing one bridge process.
type Store struct {
	db       *sqlx.DB
	maxBytes int64
	log      *logging.Logger
	met      *metrics.Metrics
	dbPath   string
}

// Open opens (creating if necessary) the SQLite file at dbPath, applies
// schema migrations, and returns a ready Store. maxBytes bounds the on-disk
// size of the buffer database file, mirroring original_source's
// _check_buffer_size (db_size = Path(self.db_path).stat().st_size against
// max_size_bytes); 0 disables the cap.
func Open(ctx context.Context, dbPath string, maxBytes int64, log *logging.Logger, met *metrics.Metrics) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open buffer database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // sqlite: one writer at a time, avoid SQLITE_BUSY under our own load

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping buffer database: %w", err)
	}

	if err := applyMigrations(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &Store{
		db:       sqlx.NewDb(sqlDB, "sqlite"),
		maxBytes: maxBytes,
		log:      log,
		met:      met,
		dbPath:   dbPath,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// sampleRow mirrors the samples table. value_{float,int,bool,string} are
// nullable; only the column matching value_kind is populated, mirroring
// model.Value's tagged-union shape.
type sampleRow struct {
	ID          int64          `db:"id"`
	Timestamp   string         `db:"timestamp"`
	Enterprise  string         `db:"enterprise"`
	Site        string         `db:"site"`
	Area        string         `db:"area"`
	Line        string         `db:"line"`
	Machine     string         `db:"machine"`
	Tag         string         `db:"tag"`
	ValueKind   int            `db:"value_kind"`
	ValueFloat  sql.NullFloat64 `db:"value_float"`
	ValueInt    sql.NullInt64  `db:"value_int"`
	ValueBool   sql.NullBool   `db:"value_bool"`
	ValueString sql.NullString `db:"value_string"`
	Unit        string         `db:"unit"`
	Quality     string         `db:"quality"`
	CreatedAt   string         `db:"created_at"`
	Processed   bool           `db:"processed"`
	BatchID     sql.NullString `db:"batch_id"`
}

// analyticsRow mirrors the analytics table. kind distinguishes a KPI record
// from an anomaly record; payload carries the JSON-encoded metrics/fields.
type analyticsRow struct {
	ID        int64          `db:"id"`
	Timestamp string         `db:"timestamp"`
	AssetName string         `db:"asset_name"`
	Category  string         `db:"category"`
	Kind      string         `db:"kind"`
	Payload   string         `db:"payload"`
	CreatedAt string         `db:"created_at"`
	Processed bool           `db:"processed"`
	BatchID   sql.NullString `db:"batch_id"`
}

const (
	analyticsKindKPI     = "kpi"
	analyticsKindAnomaly = "anomaly"
)

// AppendSample persists one Sample. On failure it records the append-failure
// metric before returning the error; the caller (orchestrator) decides
// whether a buffer write failure is fatal.
func (s *Store) AppendSample(ctx context.Context, sample model.Sample) error {
	row := sampleRow{
		Timestamp:  sample.Timestamp.UTC().Format(time.RFC3339Nano),
		Enterprise: sample.Hierarchy.Enterprise,
		Site:       sample.Hierarchy.Site,
		Area:       sample.Hierarchy.Area,
		Line:       sample.Hierarchy.Line,
		Machine:    sample.Hierarchy.Machine,
		Tag:        sample.Tag,
		ValueKind:  int(sample.Value.Kind),
		Unit:       sample.Unit,
		Quality:    string(sample.Quality),
	}
	switch sample.Value.Kind {
	case model.ValueFloat:
		row.ValueFloat = sql.NullFloat64{Float64: sample.Value.F, Valid: true}
	case model.ValueInt:
		row.ValueInt = sql.NullInt64{Int64: sample.Value.I, Valid: true}
	case model.ValueBool:
		row.ValueBool = sql.NullBool{Bool: sample.Value.B, Valid: true}
	case model.ValueString:
		row.ValueString = sql.NullString{String: sample.Value.S, Valid: true}
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO samples (timestamp, enterprise, site, area, line, machine, tag,
			value_kind, value_float, value_int, value_bool, value_string, unit, quality)
		VALUES (:timestamp, :enterprise, :site, :area, :line, :machine, :tag,
			:value_kind, :value_float, :value_int, :value_bool, :value_string, :unit, :quality)
	`, row)
	if err != nil {
		s.met.RecordBufferAppendFailure("sample")
		return fmt.Errorf("append sample: %w", err)
	}

	return s.enforceCap(ctx)
}

// AppendKPI persists one KpiRecord.
func (s *Store) AppendKPI(ctx context.Context, kpi model.KpiRecord) error {
	payload, err := json.Marshal(kpi.Metrics)
	if err != nil {
		return fmt.Errorf("marshal kpi payload: %w", err)
	}
	if err := s.insertAnalytics(ctx, kpi.Timestamp, kpi.AssetName, string(kpi.Category), analyticsKindKPI, string(payload)); err != nil {
		s.met.RecordBufferAppendFailure("kpi")
		return err
	}
	return s.enforceCap(ctx)
}

// AppendAnomaly persists one AnomalyRecord.
func (s *Store) AppendAnomaly(ctx context.Context, anomaly model.AnomalyRecord) error {
	payload, err := json.Marshal(anomaly)
	if err != nil {
		return fmt.Errorf("marshal anomaly payload: %w", err)
	}
	if err := s.insertAnalytics(ctx, anomaly.Timestamp, anomaly.AssetName, "predictive", analyticsKindAnomaly, string(payload)); err != nil {
		s.met.RecordBufferAppendFailure("anomaly")
		return err
	}
	return s.enforceCap(ctx)
}

func (s *Store) insertAnalytics(ctx context.Context, ts time.Time, assetName, category, kind, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics (timestamp, asset_name, category, kind, payload)
		VALUES (?, ?, ?, ?, ?)
	`, ts.UTC().Format(time.RFC3339Nano), assetName, category, kind, payload)
	if err != nil {
		return fmt.Errorf("append analytics: %w", err)
	}
	return nil
}

// Batch is a group of unassigned rows claimed together by NextBatch. Every
// row in a Batch carries the same BatchID until MarkProcessed/DeleteBatch or
// UnassignBatch releases it.
type Batch struct {
	ID        string
	Samples   []model.Sample
	KPIs      []model.KpiRecord
	Anomalies []model.AnomalyRecord
}

// IsEmpty reports whether the batch carries no rows at all.
func (b *Batch) IsEmpty() bool {
	return b == nil || (len(b.Samples) == 0 && len(b.KPIs) == 0 && len(b.Anomalies) == 0)
}

// NextBatch atomically claims up to maxSamples unassigned sample rows and
// maxAnalytics unassigned analytics rows (oldest first), stamping them with
// a freshly generated batch id so a concurrent NextBatch call can never
// double-claim the same row. Returns nil, nil if there is nothing to send.
func (s *Store) NextBatch(ctx context.Context, maxSamples, maxAnalytics int) (*Batch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin next_batch tx: %w", err)
	}
	defer tx.Rollback()

	var sampleRows []sampleRow
	if err := tx.SelectContext(ctx, &sampleRows, `
		SELECT * FROM samples WHERE batch_id IS NULL ORDER BY created_at ASC LIMIT ?
	`, maxSamples); err != nil {
		return nil, fmt.Errorf("select unassigned samples: %w", err)
	}

	var analyticsRows []analyticsRow
	if err := tx.SelectContext(ctx, &analyticsRows, `
		SELECT * FROM analytics WHERE batch_id IS NULL ORDER BY created_at ASC LIMIT ?
	`, maxAnalytics); err != nil {
		return nil, fmt.Errorf("select unassigned analytics: %w", err)
	}

	if len(sampleRows) == 0 && len(analyticsRows) == 0 {
		return nil, nil
	}

	batchID := uuid.NewString()

	for _, r := range sampleRows {
		if _, err := tx.ExecContext(ctx, `UPDATE samples SET batch_id = ? WHERE id = ?`, batchID, r.ID); err != nil {
			return nil, fmt.Errorf("assign batch to sample %d: %w", r.ID, err)
		}
	}
	for _, r := range analyticsRows {
		if _, err := tx.ExecContext(ctx, `UPDATE analytics SET batch_id = ? WHERE id = ?`, batchID, r.ID); err != nil {
			return nil, fmt.Errorf("assign batch to analytics row %d: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit next_batch tx: %w", err)
	}

	batch := &Batch{ID: batchID}
	for _, r := range sampleRows {
		sample, err := sampleRowToModel(r)
		if err != nil {
			return nil, err
		}
		batch.Samples = append(batch.Samples, sample)
	}
	for _, r := range analyticsRows {
		switch r.Kind {
		case analyticsKindKPI:
			kpi, err := analyticsRowToKPI(r)
			if err != nil {
				return nil, err
			}
			batch.KPIs = append(batch.KPIs, kpi)
		case analyticsKindAnomaly:
			anomaly, err := analyticsRowToAnomaly(r)
			if err != nil {
				return nil, err
			}
			batch.Anomalies = append(batch.Anomalies, anomaly)
		}
	}

	return batch, nil
}

// MarkProcessed flags every row carrying batchID as processed. It does not
// delete them — DeleteBatch does that once the caller is also done with
// them, keeping the two concerns separate per spec.md §4.4.
func (s *Store) MarkProcessed(ctx context.Context, batchID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE samples SET processed = 1 WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("mark samples processed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE analytics SET processed = 1 WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("mark analytics processed: %w", err)
	}
	return nil
}

// DeleteBatch removes every row carrying batchID. Called after a batch has
// been acknowledged by the remote store and marked processed.
func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("delete samples batch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM analytics WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("delete analytics batch: %w", err)
	}
	return nil
}

// UnassignBatch clears batch_id on every row carrying batchID without
// deleting or marking them processed, making them eligible for a future
// NextBatch call.
//
// This is the explicit fix for a bug in original_source: its
// _send_batch_to_cloud left batch_id assigned forever on upload failure, so
// a row that failed to upload once could never be retried (it stayed
// "invisible" to the next next_batch query, which only selects batch_id IS
// NULL rows) — silently losing it despite the buffer believing it was still
// safely held. Unassigning on failure is the only way at-least-once
// delivery survives an upload error.
func (s *Store) UnassignBatch(ctx context.Context, batchID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE samples SET batch_id = NULL WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("unassign samples batch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE analytics SET batch_id = NULL WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("unassign analytics batch: %w", err)
	}
	return nil
}

// DeleteProcessedOlderThan deletes processed rows created more than age ago,
// returning the number of rows removed. Called by the maintenance loop on a
// fixed cadence, and by enforceCap under size pressure.
func (s *Store) DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UTC().Format(time.RFC3339Nano)

	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE processed = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old processed samples: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM analytics WHERE processed = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("delete old processed analytics: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

// Status summarizes the buffer's current size for the health/maintenance
// loop and the diagnostic HTTP surface.
type Status struct {
	SampleCount       int64
	AnalyticsCount    int64
	UnprocessedCount  int64
	BytesUsed         int64
	BytesCap          int64
	OldestUnprocessed *time.Time
}

// Status computes the buffer's current row counts and on-disk size.
func (s *Store) Status(ctx context.Context) (Status, error) {
	var st Status

	if err := s.db.GetContext(ctx, &st.SampleCount, `SELECT COUNT(*) FROM samples`); err != nil {
		return st, fmt.Errorf("count samples: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.AnalyticsCount, `SELECT COUNT(*) FROM analytics`); err != nil {
		return st, fmt.Errorf("count analytics: %w", err)
	}

	var unprocessedSamples, unprocessedAnalytics int64
	if err := s.db.GetContext(ctx, &unprocessedSamples, `SELECT COUNT(*) FROM samples WHERE processed = 0`); err != nil {
		return st, fmt.Errorf("count unprocessed samples: %w", err)
	}
	if err := s.db.GetContext(ctx, &unprocessedAnalytics, `SELECT COUNT(*) FROM analytics WHERE processed = 0`); err != nil {
		return st, fmt.Errorf("count unprocessed analytics: %w", err)
	}
	st.UnprocessedCount = unprocessedSamples + unprocessedAnalytics

	var oldest sql.NullString
	if err := s.db.GetContext(ctx, &oldest, `SELECT MIN(created_at) FROM samples WHERE processed = 0`); err == nil && oldest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			st.OldestUnprocessed = &t
		}
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.BytesUsed = info.Size()
	}
	st.BytesCap = s.maxBytes

	s.met.SetBufferStatus(st.BytesUsed, st.BytesCap, st.SampleCount, st.AnalyticsCount)

	return st, nil
}

// enforceCap runs the size-cap eviction policy from spec.md §4.4 /
// original_source's _check_buffer_size: once the buffer's on-disk size
// exceeds maxBytes, first drop processed rows older than an hour; if that
// wasn't enough, drop the oldest 1000 unprocessed samples (never analytics
// rows). Both steps are lossy and logged as such.
func (s *Store) enforceCap(ctx context.Context) error {
	if s.maxBytes <= 0 {
		return nil
	}

	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	if st.BytesUsed <= s.maxBytes {
		return nil
	}

	evicted, err := s.DeleteProcessedOlderThan(ctx, evictionProcessedAge)
	if err != nil {
		return fmt.Errorf("enforce cap (processed sweep): %w", err)
	}
	if evicted > 0 {
		s.met.RecordBufferEviction("processed_older_than_1h", evicted)
		s.log.LogBufferEviction(ctx, evicted, "processed_older_than_1h")
	}

	st, err = s.Status(ctx)
	if err != nil {
		return err
	}
	if st.BytesUsed <= s.maxBytes {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM samples WHERE id IN (
			SELECT id FROM samples WHERE processed = 0 ORDER BY created_at ASC LIMIT ?
		)
	`, evictionUnprocessedBatch)
	if err != nil {
		return fmt.Errorf("enforce cap (unprocessed sweep): %w", err)
	}
	dropped, _ := res.RowsAffected()
	if dropped > 0 {
		s.met.RecordBufferEviction("oldest_unprocessed_samples", dropped)
		s.log.LogBufferEviction(ctx, dropped, "oldest_unprocessed_samples")
	}

	return nil
}

func sampleRowToModel(r sampleRow) (model.Sample, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return model.Sample{}, fmt.Errorf("parse sample timestamp: %w", err)
	}

	var value model.Value
	switch model.ValueKind(r.ValueKind) {
	case model.ValueFloat:
		value = model.FloatValue(r.ValueFloat.Float64)
	case model.ValueInt:
		value = model.IntValue(r.ValueInt.Int64)
	case model.ValueBool:
		value = model.BoolValue(r.ValueBool.Bool)
	case model.ValueString:
		value = model.StringValue(r.ValueString.String)
	default:
		return model.Sample{}, fmt.Errorf("unknown value_kind %d for sample row %d", r.ValueKind, r.ID)
	}

	return model.Sample{
		Timestamp: ts,
		Hierarchy: model.Hierarchy{
			Enterprise: r.Enterprise,
			Site:       r.Site,
			Area:       r.Area,
			Line:       r.Line,
			Machine:    r.Machine,
		},
		Tag:     r.Tag,
		Value:   value,
		Unit:    r.Unit,
		Quality: model.Quality(r.Quality),
	}, nil
}

func analyticsRowToKPI(r analyticsRow) (model.KpiRecord, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return model.KpiRecord{}, fmt.Errorf("parse kpi timestamp: %w", err)
	}
	var metrics map[string]float64
	if err := json.Unmarshal([]byte(r.Payload), &metrics); err != nil {
		return model.KpiRecord{}, fmt.Errorf("unmarshal kpi payload: %w", err)
	}
	return model.KpiRecord{
		Timestamp: ts,
		AssetName: r.AssetName,
		Category:  model.AnalyticsCategory(r.Category),
		Metrics:   metrics,
	}, nil
}

func analyticsRowToAnomaly(r analyticsRow) (model.AnomalyRecord, error) {
	var anomaly model.AnomalyRecord
	if err := json.Unmarshal([]byte(r.Payload), &anomaly); err != nil {
		return model.AnomalyRecord{}, fmt.Errorf("unmarshal anomaly payload: %w", err)
	}
	return anomaly, nil
}
