// Package persist batches cleaned records and flushes them to a landing table
// one transaction at a time.
package persist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/monitoring"
	"github.com/sells-group/edu-etl/internal/sanitize"
	"github.com/sells-group/edu-etl/internal/store"
)

// DefaultBatchSize is the flush threshold when none is configured.
const DefaultBatchSize = 1000

// Writer writes one batch atomically. store.Store satisfies it.
type Writer interface {
	WriteBatch(ctx context.Context, t store.TableSpec, columns []string, rows [][]any) (int64, error)
}

// FlushResult is the outcome of one flush. A failed flush wrote nothing.
type FlushResult struct {
	OK           bool
	RowsAffected int64
	BatchSize    int
	Kind         model.ErrorKind
	Err          error
}

// Stats accumulates flush outcomes over the persistor's lifetime.
type Stats struct {
	Batches        int
	FailedBatches  int
	RecordsWritten int64
	RecordsFailed  int64
	RowsAffected   int64
}

// BatchPersistor accumulates records for one table. It is not safe for
// concurrent use; each ingestor owns its persistors.
type BatchPersistor struct {
	w       Writer
	table   store.TableSpec
	size    int
	metrics *monitoring.Metrics
	log     *zap.Logger

	columns []string
	seen    map[string]bool
	pending []sanitize.Record
	stats   Stats
}

// New creates a persistor flushing to table every size records (0 = default).
func New(w Writer, table store.TableSpec, size int, metrics *monitoring.Metrics) *BatchPersistor {
	if size <= 0 {
		size = DefaultBatchSize
	}
	p := &BatchPersistor{
		w:       w,
		table:   table,
		size:    size,
		metrics: metrics,
		log:     zap.L().With(zap.String("component", "persist"), zap.String("table", table.Name)),
	}
	p.reset()
	return p
}

func (p *BatchPersistor) reset() {
	p.pending = p.pending[:0]
	p.columns = p.columns[:0]
	p.seen = make(map[string]bool)
	// Declared columns lead, in declaration order.
	for _, c := range p.table.Columns {
		p.seen[c.Name] = true
		p.columns = append(p.columns, c.Name)
	}
}

// Table returns the destination table.
func (p *BatchPersistor) Table() store.TableSpec { return p.table }

// Pending returns the number of records waiting for a flush.
func (p *BatchPersistor) Pending() int { return len(p.pending) }

// Columns returns the current batch schema.
func (p *BatchPersistor) Columns() []string {
	return append([]string(nil), p.columns...)
}

// Stats returns accumulated flush outcomes.
func (p *BatchPersistor) Stats() Stats { return p.stats }

// Add queues rec and flushes when the batch is full. The second return value
// reports whether a flush happened.
func (p *BatchPersistor) Add(ctx context.Context, rec sanitize.Record) (FlushResult, bool) {
	for k := range rec {
		if !p.seen[k] {
			p.seen[k] = true
			p.columns = append(p.columns, k)
		}
	}
	p.pending = append(p.pending, rec)
	return p.FlushIfFull(ctx)
}

// FlushIfFull flushes only once the pending count reaches the batch size.
func (p *BatchPersistor) FlushIfFull(ctx context.Context) (FlushResult, bool) {
	if len(p.pending) < p.size {
		return FlushResult{}, false
	}
	return p.Flush(ctx), true
}

// Flush writes every pending record in one transaction and clears the batch
// whatever the outcome. Records missing a batch column get null.
func (p *BatchPersistor) Flush(ctx context.Context) FlushResult {
	n := len(p.pending)
	if n == 0 {
		return FlushResult{OK: true}
	}

	cols := p.Columns()
	rows := make([][]any, n)
	for i, rec := range p.pending {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = scalar(rec[c])
		}
		rows[i] = row
	}
	p.reset()

	start := time.Now()
	affected, err := p.w.WriteBatch(ctx, p.table, cols, rows)
	p.stats.Batches++
	if err != nil {
		kind := store.Classify(err)
		p.stats.FailedBatches++
		p.stats.RecordsFailed += int64(n)
		p.metrics.Flushed(p.table.Name, false, 0)
		p.log.Error("batch flush failed, rolled back",
			zap.Int("batch_size", n),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return FlushResult{BatchSize: n, Kind: kind, Err: err}
	}

	p.stats.RecordsWritten += int64(n)
	p.stats.RowsAffected += affected
	p.metrics.Flushed(p.table.Name, true, int64(n))
	p.log.Debug("batch flushed",
		zap.Int("batch_size", n),
		zap.Int64("rows_affected", affected),
		zap.Int("columns", len(cols)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return FlushResult{OK: true, RowsAffected: affected, BatchSize: n}
}

// scalar serializes nested values destined for a flat column.
func scalar(v any) any {
	switch v.(type) {
	case map[string]any, []any, sanitize.Record:
		return sanitize.Text(v)
	default:
		return v
	}
}
