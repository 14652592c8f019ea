package model

import "time"

// IngestionStatus is the terminal state of one ingestion attempt.
type IngestionStatus string

const (
	IngestionCompleted IngestionStatus = "completed"
	IngestionFailed    IngestionStatus = "failed"
)

// OriginKind describes which export format a raw capture came from.
type OriginKind string

const (
	OriginTabular    OriginKind = "tabular-export"
	OriginStructured OriginKind = "structured-export"
)

// Compression identifies how a raw capture payload is stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Metadata keys the ledger contract relies on. Other keys are additive.
const (
	MetaRowCount      = "row_count"
	MetaLogicVersion  = "logic_version"
	MetaPeriodStart   = "billing_period_start"
	MetaPeriodEnd     = "billing_period_end"
	MetaStorageReason = "storage_reason"
	MetaErrorKind     = "error_kind"
	MetaErrorMessage  = "error_message"
	MetaTableHash     = "table_hash"
	MetaTableChanged  = "table_changed"
	MetaDeltaCount    = "delta_count"
	MetaRunID         = "run_id"
	MetaContentSize   = "content_size"
	MetaOriginKind    = "origin_kind"
)

// RawCapture is an immutable, compressed copy of fetched export bytes.
type RawCapture struct {
	ID            int64       `json:"id"`
	ContentDigest string      `json:"content_digest"`
	Payload       []byte      `json:"-"`
	Compression   Compression `json:"compression"`
	OriginKind    OriginKind  `json:"origin_kind"`
	OriginURL     string      `json:"origin_url"`
	CapturedAt    time.Time   `json:"captured_at"`
	ByteSize      int64       `json:"byte_size"`
	FetchMethod   string      `json:"fetch_method"`
}

// IngestionRecord is the bookkeeping row for one unit of work, keyed by
// content digest when one is known.
type IngestionRecord struct {
	ID            int64             `json:"id"`
	Source        string            `json:"source"`
	Status        IngestionStatus   `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	ContentDigest *string           `json:"content_digest,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	CaptureID     *int64            `json:"capture_id,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// LedgerEvent is the durable form of a canonical record, keyed by identity hash.
type LedgerEvent struct {
	IdentityHash string          `json:"identity_hash"`
	LogicVersion int             `json:"logic_version"`
	Record       CanonicalRecord `json:"record"`
	FirstSeenAt  time.Time       `json:"first_seen_at"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
}

// EventLink joins a ledger event to an ingestion that observed it.
type EventLink struct {
	IdentityHash string `json:"identity_hash"`
	IngestionID  int64  `json:"ingestion_id"`
}
