// Package pipeline runs one fetch-to-ledger ingestion and applies the raw
// capture storage policy.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/digest"
	"github.com/sells-group/usage-ledger/internal/export"
	"github.com/sells-group/usage-ledger/internal/fetcher"
	"github.com/sells-group/usage-ledger/internal/ledger"
	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/normalize"
	"github.com/sells-group/usage-ledger/internal/resilience"
	"github.com/sells-group/usage-ledger/internal/store"
)

// State is a step of a run.
type State string

const (
	StateFetching    State = "fetching"
	StateHashing     State = "hashing"
	StateBlobPolicy  State = "blob-policy"
	StateParsing     State = "parsing"
	StateNormalizing State = "normalizing"
	StateIngesting   State = "ingesting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Config is the ambient configuration of every run.
type Config struct {
	Source       string
	LogicVersion int
	Blob         BlobPolicy
}

// Summary is the outcome of one run.
type Summary struct {
	RunID          string             `json:"run_id"`
	Source         string             `json:"source"`
	State          State              `json:"state"`
	FailedIn       State              `json:"failed_in,omitempty"`
	ContentDigest  string             `json:"content_digest,omitempty"`
	OriginKind     model.OriginKind   `json:"origin_kind,omitempty"`
	Period         *model.Period      `json:"period,omitempty"`
	RowCount       int                `json:"row_count"`
	InsertedCount  int                `json:"inserted_count"`
	DuplicateCount int                `json:"duplicate_count"`
	DeltaCount     int                `json:"delta_count"`
	TableHash      string             `json:"table_hash,omitempty"`
	TableChanged   bool               `json:"table_changed"`
	StorageReason  string             `json:"storage_reason,omitempty"`
	Capture        *ledger.SaveResult `json:"capture,omitempty"`
	IngestionID    int64              `json:"ingestion_id,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	Duration       time.Duration      `json:"duration"`
	ErrorKind      resilience.Kind    `json:"error_kind,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Orchestrator composes fetcher, parser, normalizer, hashers and ledgers
// into a single sequential run.
type Orchestrator struct {
	fetcher fetcher.Fetcher
	store   store.Store
	blobs   *ledger.BlobLedger
	events  *ledger.EventLedger
	cfg     Config
	metrics *Metrics
	now     func() time.Time
	tracer  trace.Tracer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records run metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(f fetcher.Fetcher, st store.Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.LogicVersion == 0 {
		cfg.LogicVersion = 1
	}
	o := &Orchestrator{
		fetcher: f,
		store:   st,
		blobs:   ledger.NewBlobLedger(st),
		events:  ledger.NewEventLedger(st),
		cfg:     cfg,
		now:     time.Now,
		tracer:  otel.Tracer("github.com/sells-group/usage-ledger/internal/pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the state of one Run call.
type run struct {
	*Orchestrator
	sum  *Summary
	log  *zap.Logger
	span trace.Span
	at   time.Time
}

func (r *run) enter(s State) {
	r.sum.State = s
	r.span.AddEvent(string(s))
	r.log.Debug("state transition", zap.String("state", string(s)))
}

// Run fetches the export once and ingests it. It is safe to call
// repeatedly and concurrently: identical content converges on the same
// ingestion record and ledger events. The returned Summary is non-nil even
// when err is not.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := o.now().UTC()
	sum := &Summary{RunID: uuid.NewString(), Source: o.cfg.Source, StartedAt: start}

	ctx, span := o.tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(attribute.String("run_id", sum.RunID), attribute.String("source", o.cfg.Source)))
	defer span.End()

	r := &run{
		Orchestrator: o,
		sum:          sum,
		span:         span,
		at:           start,
		log: zap.L().With(
			zap.String("component", "pipeline.orchestrator"),
			zap.String("run_id", sum.RunID),
			zap.String("source", o.cfg.Source),
		),
	}

	err := r.execute(ctx)
	sum.Duration = o.now().Sub(start)
	if err != nil {
		sum.FailedIn = sum.State
		sum.State = StateFailed
		sum.ErrorKind = resilience.KindOf(err)
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(sum.ErrorKind))
		o.metrics.IncrementFailure(string(sum.ErrorKind))
		o.metrics.ObserveRun(string(StateFailed), sum.Duration)
		r.log.Error("run failed",
			zap.String("failed_in", string(sum.FailedIn)),
			zap.String("error_kind", string(sum.ErrorKind)),
			zap.Duration("elapsed", sum.Duration),
			zap.Error(err),
		)
		return sum, err
	}

	r.enter(StateDone)
	o.metrics.ObserveRun(string(StateDone), sum.Duration)
	o.metrics.AddEvents(sum.InsertedCount, sum.DuplicateCount)
	if sum.TableChanged {
		o.metrics.IncrementPeriodChange()
	}
	r.log.Info("run complete",
		zap.Int64("ingestion_id", sum.IngestionID),
		zap.Int("rows", sum.RowCount),
		zap.Int("inserted", sum.InsertedCount),
		zap.Int("duplicates", sum.DuplicateCount),
		zap.Int("delta", sum.DeltaCount),
		zap.Bool("table_changed", sum.TableChanged),
		zap.String("storage_reason", sum.StorageReason),
		zap.Duration("elapsed", sum.Duration),
	)
	return sum, nil
}

func (r *run) execute(ctx context.Context) error {
	r.enter(StateFetching)
	exp, err := r.fetcher.Fetch(ctx)
	if err != nil {
		if resilience.KindOf(err) != resilience.KindValidation {
			err = asKind(err, resilience.KindFetch, "pipeline: fetch")
		}
		r.recordFailure(ctx, r.meta(nil, "", nil), err)
		return err
	}

	r.enter(StateHashing)
	sum := digest.Content(exp.Body)
	r.sum.ContentDigest = sum
	r.sum.OriginKind = export.OriginKindOf(exp.Body, exp.ContentType)
	r.log = r.log.With(zap.String("digest", sum))

	// The storage policy needs the row count, so the export is parsed here
	// and the result reused by the parsing step.
	r.enter(StateBlobPolicy)
	table, parseErr := parseExport(exp)
	if table != nil {
		r.sum.RowCount = len(table.Rows)
		r.sum.Period = table.Period
	}
	captureID := r.storeCapture(ctx, exp, table)

	r.enter(StateParsing)
	if parseErr != nil {
		r.recordFailure(ctx, r.meta(exp, sum, captureID), parseErr)
		return parseErr
	}

	r.enter(StateNormalizing)
	records, err := normalize.Rows(table.Rows, normalize.Options{
		Source:    r.cfg.Source,
		Period:    table.Period,
		CaptureID: captureID,
	})
	if err != nil {
		err = asKind(err, resilience.KindNormalize, "pipeline: normalize")
		r.recordFailure(ctx, r.meta(exp, sum, captureID), err)
		return err
	}

	r.enter(StateIngesting)
	hashed, err := ledger.HashRecords(records, r.cfg.LogicVersion)
	if err != nil {
		return err
	}
	if err := r.detectChange(ctx, records, table.Period); err != nil {
		return err
	}

	meta := r.meta(exp, sum, captureID)
	res, err := r.events.Ingest(ctx, hashed, meta)
	if err != nil {
		return err
	}
	r.sum.IngestionID = res.IngestionID
	r.sum.InsertedCount = res.InsertedCount
	r.sum.DuplicateCount = res.DuplicateCount
	return nil
}

func parseExport(exp *fetcher.Export) (*export.Table, error) {
	payload, err := export.Classify(exp.Body, exp.ContentType)
	if err != nil {
		return nil, err
	}
	table, err := export.Parse(payload)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// detectChange fills the table hash, change flag and delta count for the
// run's period. It must run before Ingest overwrites the latest record.
func (r *run) detectChange(ctx context.Context, records []model.CanonicalRecord, period *model.Period) error {
	tableHash, err := ledger.TableHash(records, period)
	if err != nil {
		return err
	}
	r.sum.TableHash = tableHash
	r.sum.TableChanged = true
	r.sum.DeltaCount = len(records)
	if period == nil {
		return nil
	}

	prior, err := r.store.LatestPeriodIngestion(ctx, r.cfg.Source, *period)
	if err != nil {
		return resilience.E(resilience.KindIO, "pipeline: latest period ingestion", err)
	}
	if prior != nil {
		if h, ok := prior.Metadata[model.MetaTableHash].(string); ok && h == tableHash {
			r.sum.TableChanged = false
		}
	}

	latest, err := r.store.LatestOccurredAt(ctx, r.cfg.Source, *period)
	if err != nil {
		return resilience.E(resilience.KindIO, "pipeline: latest occurred at", err)
	}
	r.sum.DeltaCount = len(ledger.SelectDelta(records, latest))

	r.log.Debug("period state",
		zap.String("period_start", period.StartDate()),
		zap.String("table_hash", tableHash),
		zap.Bool("changed", r.sum.TableChanged),
		zap.Int("delta", r.sum.DeltaCount),
	)
	return nil
}

// storeCapture applies the storage policy and returns the capture id, if
// any. Every failure here is logged and swallowed.
func (r *run) storeCapture(ctx context.Context, exp *fetcher.Export, table *export.Table) *int64 {
	state, err := r.loadBlobState(ctx)
	if err != nil {
		r.log.Warn("load blob state failed, skipping capture", zap.Error(err))
		r.metrics.IncrementCapture("error")
		return nil
	}

	rows := 0
	if table != nil {
		rows = len(table.Rows)
	}
	keep, reason := DecideStorage(r.at, rows, state, r.cfg.Blob)
	r.sum.StorageReason = reason
	if !keep {
		r.metrics.IncrementCapture("skipped")
		return nil
	}

	res, err := r.blobs.SaveIfNew(ctx, ledger.Capture{
		Data:        exp.Body,
		Kind:        r.sum.OriginKind,
		OriginURL:   exp.SourceURL,
		FetchMethod: exp.Method,
		CapturedAt:  r.at,
	})
	if err != nil {
		r.log.Warn("save capture failed", zap.String("reason", reason), zap.Error(err))
		r.metrics.IncrementCapture("error")
		return nil
	}
	r.sum.Capture = res
	r.metrics.IncrementCapture(string(res.Outcome))
	r.log.Debug("capture stored",
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("capture_id", res.ID),
		zap.String("reason", reason),
	)

	if res.Outcome == ledger.OutcomeSaved && r.cfg.Blob.Retention > 0 {
		if _, err := r.blobs.TrimRetention(ctx, r.cfg.Blob.Retention); err != nil {
			r.log.Warn("trim retention failed", zap.Error(err))
		}
	}
	id := res.ID
	return &id
}

func (r *run) loadBlobState(ctx context.Context) (BlobState, error) {
	last, err := r.store.LatestCaptureAt(ctx)
	if err != nil {
		return BlobState{}, eris.Wrap(err, "latest capture")
	}
	n, err := r.store.CountIngestionsSince(ctx, last)
	if err != nil {
		return BlobState{}, eris.Wrap(err, "count ingestions")
	}
	return BlobState{LastSavedAt: last, RunsSince: n}, nil
}

func (r *run) meta(exp *fetcher.Export, contentDigest string, captureID *int64) ledger.IngestMeta {
	md := map[string]any{
		model.MetaRunID: r.sum.RunID,
	}
	if p := r.sum.Period; p != nil {
		md[model.MetaPeriodStart] = p.StartDate()
		md[model.MetaPeriodEnd] = p.EndDate()
	}
	if r.sum.StorageReason != "" {
		md[model.MetaStorageReason] = r.sum.StorageReason
	}
	if r.sum.TableHash != "" {
		md[model.MetaTableHash] = r.sum.TableHash
		md[model.MetaTableChanged] = r.sum.TableChanged
		md[model.MetaDeltaCount] = r.sum.DeltaCount
	}
	var headers map[string]string
	if exp != nil {
		headers = exp.Headers
		md[model.MetaContentSize] = len(exp.Body)
		md[model.MetaOriginKind] = string(r.sum.OriginKind)
	}
	return ledger.IngestMeta{
		IngestedAt:    r.at,
		Source:        r.cfg.Source,
		ContentDigest: contentDigest,
		Headers:       headers,
		Metadata:      md,
		LogicVersion:  r.cfg.LogicVersion,
		CaptureID:     captureID,
	}
}

// recordFailure writes a failed ingestion record. A failure to record is
// logged; the original error is what the caller sees.
func (r *run) recordFailure(ctx context.Context, meta ledger.IngestMeta, cause error) {
	if _, err := r.events.RecordFailure(ctx, meta, cause); err != nil {
		r.log.Error("failed to record ingestion failure", zap.Error(err), zap.NamedError("cause", cause))
	}
}

// asKind tags err with kind unless it already carries one.
func asKind(err error, kind resilience.Kind, op string) error {
	var classified *resilience.Error
	if errors.As(err, &classified) {
		return err
	}
	return resilience.E(kind, op, err)
}
