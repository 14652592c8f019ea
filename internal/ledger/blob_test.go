package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/usage-ledger/internal/digest"
	"github.com/sells-group/usage-ledger/internal/model"
	"github.com/sells-group/usage-ledger/internal/resilience"
	"github.com/sells-group/usage-ledger/internal/store"
)

func csvCapture(body string, at time.Time) Capture {
	return Capture{
		Data:        []byte(body),
		Kind:        model.OriginTabular,
		OriginURL:   "https://usage.example.test/export.csv",
		FetchMethod: "http",
		CapturedAt:  at,
	}
}

func TestBlobLedger_SaveIfNew_Dedup(t *testing.T) {
	b := NewBlobLedger(newTestStore(t))
	ctx := context.Background()
	body := "Date,Model\n2025-02-03,gpt\n"

	first, err := b.SaveIfNew(ctx, csvCapture(body, runAt))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSaved, first.Outcome)
	assert.Equal(t, digest.Content([]byte(body)), first.ContentDigest)

	second, err := b.SaveIfNew(ctx, csvCapture(body, runAt.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ContentDigest, second.ContentDigest)
}

func TestBlobLedger_OpenRoundTrip(t *testing.T) {
	st := newTestStore(t)
	b := NewBlobLedger(st)
	ctx := context.Background()

	compressible := bytes.Repeat([]byte("2025-02-03,gpt,Included,10,$0.10\n"), 200)
	res, err := b.SaveIfNew(ctx, Capture{Data: compressible, Kind: model.OriginTabular, CapturedAt: runAt})
	require.NoError(t, err)

	c, data, err := b.Open(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, compressible, data)
	assert.Equal(t, model.CompressionZstd, c.Compression)
	assert.Equal(t, int64(len(compressible)), c.ByteSize)
	assert.Less(t, len(c.Payload), len(compressible))
	assert.Equal(t, "", c.OriginURL)

	missing, data, err := b.Open(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Nil(t, data)
}

func TestBlobLedger_IncompressibleStoredRaw(t *testing.T) {
	b := NewBlobLedger(newTestStore(t))
	ctx := context.Background()

	noise := make([]byte, 256)
	_, err := rand.Read(noise)
	require.NoError(t, err)

	res, err := b.SaveIfNew(ctx, Capture{Data: noise, Kind: model.OriginStructured, CapturedAt: runAt})
	require.NoError(t, err)

	c, data, err := b.Open(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CompressionNone, c.Compression)
	assert.Equal(t, noise, data)
	assert.Equal(t, model.OriginStructured, c.OriginKind)
}

func TestBlobLedger_TrimRetention(t *testing.T) {
	b := NewBlobLedger(newTestStore(t))
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		res, err := b.SaveIfNew(ctx, csvCapture(fmt.Sprintf("Date\n2025-02-%02d\n", i+1), runAt.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	n, err := b.TrimRetention(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = b.TrimRetention(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n, "second trim deletes nothing")

	for i, id := range ids {
		c, _, err := b.Open(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i >= 3, c != nil, "capture %d", i)
	}

	_, err = b.TrimRetention(ctx, -1)
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}

// racingCaptures simulates another writer inserting the same digest between
// FindCapture and InsertCapture.
type racingCaptures struct {
	store.CaptureStore
	winner *model.RawCapture
	finds  int
}

func (r *racingCaptures) FindCapture(_ context.Context, _ string) (*model.RawCapture, error) {
	r.finds++
	if r.finds == 1 {
		return nil, nil
	}
	return r.winner, nil
}

func (r *racingCaptures) InsertCapture(context.Context, *model.RawCapture) (int64, error) {
	return 0, fmt.Errorf("sqlite: insert capture: %w", store.ErrConflict)
}

func TestBlobLedger_SaveIfNew_LosesRace(t *testing.T) {
	rc := &racingCaptures{winner: &model.RawCapture{ID: 77}}
	b := NewBlobLedger(rc)

	res, err := b.SaveIfNew(context.Background(), csvCapture("x", runAt))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(77), res.ID)
	assert.Equal(t, 2, rc.finds)
}

func TestBlobLedger_SaveIfNew_ConflictWithoutWinner(t *testing.T) {
	b := NewBlobLedger(&racingCaptures{})

	_, err := b.SaveIfNew(context.Background(), csvCapture("x", runAt))
	require.Error(t, err)
	assert.Equal(t, resilience.KindConflict, resilience.KindOf(err))
}

type failingCaptures struct {
	store.CaptureStore
}

func (failingCaptures) FindCapture(context.Context, string) (*model.RawCapture, error) {
	return nil, errors.New("database is locked")
}

func TestBlobLedger_SaveIfNew_StoreFailure(t *testing.T) {
	b := NewBlobLedger(failingCaptures{})

	_, err := b.SaveIfNew(context.Background(), csvCapture("x", runAt))
	require.Error(t, err)
	assert.Equal(t, resilience.KindIO, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "database is locked")
}

func TestDecompress_UnknownCompression(t *testing.T) {
	_, err := decompress([]byte("x"), model.Compression("lz4"))
	require.Error(t, err)
}
