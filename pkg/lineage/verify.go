package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/canonicalize"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// ErrChainBroken marks a failed chain verification. It surfaces only
// from VerifyChainIntegrity, never during normal operation.
var ErrChainBroken = errors.New("lineage chain integrity violation")

// IntegrityReport is the outcome of walking the full chain.
type IntegrityReport struct {
	Valid           bool   `json:"valid"`
	RecordsVerified int    `json:"records_verified"`
	BrokenRecordID  string `json:"broken_record_id,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

// VerifyChainIntegrity recomputes every record's signature from its
// stored canonical JSON and checks each chain link against the previous
// record's signature. Any mismatch invalidates the chain at the first
// offending record.
func (l *Ledger) VerifyChainIntegrity(ctx context.Context) (IntegrityReport, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT record_json, signature, prior_record_hash FROM lineage ORDER BY created_at")
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("lineage: verify query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	report := IntegrityReport{Valid: true}
	var priorSignature *string
	for rows.Next() {
		var raw, storedSig string
		var storedPrior *string
		if err := rows.Scan(&raw, &storedSig, &storedPrior); err != nil {
			return IntegrityReport{}, fmt.Errorf("lineage: verify scan: %w", err)
		}

		record, err := decodeRecord(raw)
		if err != nil {
			return invalidReport(report, "", fmt.Sprintf("record_json is not decodable: %v", err)), nil
		}

		expected, err := recomputeSignature(record)
		if err != nil {
			return IntegrityReport{}, err
		}
		if record.Signature != expected || storedSig != expected {
			return invalidReport(report, record.ID, "signature does not match canonical record content"), nil
		}

		if !hashesEqual(record.PriorRecordHash, priorSignature) || !hashesEqual(storedPrior, priorSignature) {
			return invalidReport(report, record.ID, "prior_record_hash does not match previous record signature"), nil
		}

		report.RecordsVerified++
		sig := record.Signature
		priorSignature = &sig
	}
	if err := rows.Err(); err != nil {
		return IntegrityReport{}, fmt.Errorf("lineage: verify iterate: %w", err)
	}
	return report, nil
}

// recomputeSignature hashes the record with its signature zeroed, the
// same computation Append performs.
func recomputeSignature(record contracts.LineageRecord) (string, error) {
	record.Signature = ""
	sig, err := canonicalize.HashHex(record)
	if err != nil {
		return "", fmt.Errorf("lineage: recompute signature: %w", err)
	}
	return sig, nil
}

func invalidReport(report IntegrityReport, recordID, detail string) IntegrityReport {
	report.Valid = false
	report.BrokenRecordID = recordID
	report.Detail = detail
	return report
}

func hashesEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
