package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/artifacts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/canonicalize"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// segment is the archived form of a ledger slice. The record array keeps
// chain order so a verifier can replay the hash links offline.
type segment struct {
	SegmentID  string                    `json:"segment_id"`
	ExportedAt time.Time                 `json:"exported_at"`
	SinceID    string                    `json:"since_id,omitempty"`
	Count      int                       `json:"count"`
	HeadSig    *string                   `json:"head_signature"`
	Records    []contracts.LineageRecord `json:"records"`
}

// ExportSegment archives every record appended after sinceID (all records
// when sinceID is empty) into the artifact store as one content-addressed
// blob, and returns the provenance descriptor for it. The export is a
// read-only snapshot; the ledger itself is untouched.
func (l *Ledger) ExportSegment(ctx context.Context, store artifacts.Store, sinceID string) (contracts.ArtifactProvenance, error) {
	var (
		records []contracts.LineageRecord
		err     error
	)
	if sinceID == "" {
		records, err = l.queryRecords(ctx,
			"SELECT record_json FROM lineage ORDER BY created_at")
	} else {
		records, err = l.recordsAfter(ctx, sinceID)
	}
	if err != nil {
		return contracts.ArtifactProvenance{}, err
	}

	seg := segment{
		SegmentID:  contracts.NewID("seg"),
		ExportedAt: l.now(),
		SinceID:    sinceID,
		Count:      len(records),
		HeadSig:    l.HeadSignature(),
		Records:    records,
	}
	blob, err := canonicalize.CanonicalMarshal(seg)
	if err != nil {
		return contracts.ArtifactProvenance{}, fmt.Errorf("lineage: serialize segment: %w", err)
	}

	addr, err := store.Store(ctx, blob)
	if err != nil {
		return contracts.ArtifactProvenance{}, fmt.Errorf("lineage: archive segment: %w", err)
	}

	return contracts.ArtifactProvenance{
		ArtifactID:            seg.SegmentID,
		ArtifactType:          "lineage_segment",
		IntegrityHash:         addr,
		ValidationEvidence:    fmt.Sprintf("exported %d records at %s", len(records), seg.ExportedAt.Format(time.RFC3339)),
		ValidationIndependent: false,
	}, nil
}

// recordsAfter returns records strictly newer than the named record.
func (l *Ledger) recordsAfter(ctx context.Context, sinceID string) ([]contracts.LineageRecord, error) {
	row := l.db.QueryRowContext(ctx,
		l.rebind("SELECT created_at FROM lineage WHERE id = ?"), sinceID)
	var created string
	if err := row.Scan(&created); err != nil {
		return nil, fmt.Errorf("lineage: export anchor %s: %w", sinceID, ErrRecordNotFound)
	}
	return l.queryRecords(ctx,
		"SELECT record_json FROM lineage WHERE created_at > ? ORDER BY created_at", created)
}
