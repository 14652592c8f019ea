package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/digest"
	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/resilience"
	"github.com/sells-group/usage-ledger/internal/store"
)

// SaveOutcome reports whether SaveIfNew wrote a capture.
type SaveOutcome string

const (
	OutcomeSaved     SaveOutcome = "saved"
	OutcomeDuplicate SaveOutcome = "duplicate"
)

// Capture is one fetched export to be kept as evidence.
type Capture struct {
	Data        []byte
	Kind        model.OriginKind
	OriginURL   string
	FetchMethod string
	CapturedAt  time.Time
}

// SaveResult identifies the stored capture.
type SaveResult struct {
	Outcome       SaveOutcome `json:"outcome"`
	ID            int64       `json:"id"`
	ContentDigest string      `json:"content_digest"`
}

// BlobLedger stores each distinct raw capture once, compressed.
type BlobLedger struct {
	store store.CaptureStore
	log   *zap.Logger
}

// NewBlobLedger creates a BlobLedger over s.
func NewBlobLedger(s store.CaptureStore) *BlobLedger {
	return &BlobLedger{
		store: s,
		log:   zap.L().With(zap.String("component", "ledger.blob")),
	}
}

// SaveIfNew stores c unless a capture with the same content digest exists.
// When a concurrent caller wins the insert race, the winner's id is
// returned as a duplicate.
func (b *BlobLedger) SaveIfNew(ctx context.Context, c Capture) (*SaveResult, error) {
	sum := digest.Content(c.Data)

	existing, err := b.store.FindCapture(ctx, sum)
	if err != nil {
		return nil, resilience.E(resilience.KindIO, "ledger: find capture", err)
	}
	if existing != nil {
		return &SaveResult{Outcome: OutcomeDuplicate, ID: existing.ID, ContentDigest: sum}, nil
	}

	payload, compression := compress(c.Data)
	id, err := b.store.InsertCapture(ctx, &model.RawCapture{
		ContentDigest: sum,
		Payload:       payload,
		Compression:   compression,
		OriginKind:    c.Kind,
		OriginURL:     c.OriginURL,
		CapturedAt:    c.CapturedAt.UTC(),
		ByteSize:      int64(len(c.Data)),
		FetchMethod:   c.FetchMethod,
	})
	if eris.Is(err, store.ErrConflict) {
		return b.resolveConflict(ctx, sum)
	}
	if err != nil {
		return nil, resilience.E(resilience.KindIO, "ledger: insert capture", err)
	}

	b.log.Debug("capture saved",
		zap.Int64("id", id),
		zap.String("digest", sum),
		zap.Int("bytes", len(c.Data)),
		zap.Int("stored_bytes", len(payload)),
		zap.String("compression", string(compression)),
	)
	return &SaveResult{Outcome: OutcomeSaved, ID: id, ContentDigest: sum}, nil
}

func (b *BlobLedger) resolveConflict(ctx context.Context, sum string) (*SaveResult, error) {
	winner, err := b.store.FindCapture(ctx, sum)
	if err != nil {
		return nil, resilience.E(resilience.KindIO, "ledger: re-read capture after conflict", err)
	}
	if winner == nil {
		return nil, resilience.E(resilience.KindConflict, "ledger: insert capture",
			eris.Errorf("conflict on digest %s but no capture found", sum))
	}
	b.log.Debug("capture insert lost race", zap.String("digest", sum), zap.Int64("id", winner.ID))
	return &SaveResult{Outcome: OutcomeDuplicate, ID: winner.ID, ContentDigest: sum}, nil
}

// TrimRetention deletes all but the newest keep captures and returns how
// many were deleted.
func (b *BlobLedger) TrimRetention(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, resilience.E(resilience.KindValidation, "ledger: trim retention",
			eris.Errorf("keep %d must be >= 0", keep))
	}
	n, err := b.store.TrimCaptures(ctx, keep)
	if err != nil {
		return 0, resilience.E(resilience.KindIO, "ledger: trim retention", err)
	}
	if n > 0 {
		b.log.Info("captures trimmed", zap.Int64("deleted", n), zap.Int("keep", keep))
	}
	return n, nil
}

// Open returns the capture and its original bytes, verifying the digest.
// A missing capture returns nil, nil, nil.
func (b *BlobLedger) Open(ctx context.Context, id int64) (*model.RawCapture, []byte, error) {
	c, err := b.store.GetCapture(ctx, id)
	if err != nil {
		return nil, nil, resilience.E(resilience.KindIO, "ledger: get capture", err)
	}
	if c == nil {
		return nil, nil, nil
	}
	data, err := decompress(c.Payload, c.Compression)
	if err != nil {
		return nil, nil, resilience.E(resilience.KindIO, "ledger: open capture", err)
	}
	if got := digest.Content(data); got != c.ContentDigest {
		return nil, nil, resilience.E(resilience.KindIO, "ledger: open capture",
			eris.Errorf("capture %d digest mismatch: stored %s, computed %s", id, c.ContentDigest, got))
	}
	return c, data, nil
}
