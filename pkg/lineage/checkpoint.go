package lineage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider abstracts the signing backend so the in-memory provider
// can be swapped for an HSM or cloud KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an ed25519 keypair in process memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("lineage: generate checkpoint key: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// Sign signs msg with the private key.
func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

// PublicKey returns the verification key.
func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// DeriveForDeployment derives a deployment-specific provider from the
// master seed via HKDF-SHA256, so every deployment checkpoints under a
// unique deterministic keypair.
func (m *MemoryKeyProvider) DeriveForDeployment(deploymentID string) (*MemoryKeyProvider, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("lineage: deployment id must not be empty")
	}
	reader := hkdf.New(sha256.New, m.priv.Seed(), []byte("gap-checkpoint-kdf"), []byte(deploymentID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("lineage: derive deployment key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Checkpoint is a signed statement of the chain head: anyone holding the
// public key can later prove the ledger did not shrink or rewrite
// history up to this point.
type Checkpoint struct {
	RecordCount   int       `json:"record_count"`
	HeadSignature string    `json:"head_signature,omitempty"`
	SignedAt      time.Time `json:"signed_at"`
	Signature     string    `json:"signature"`
	PublicKey     string    `json:"public_key"`
}

// Checkpoint signs the current chain head with the provider's key.
func (l *Ledger) Checkpoint(_ context.Context, provider KeyProvider) (Checkpoint, error) {
	if provider == nil {
		return Checkpoint{}, fmt.Errorf("lineage: checkpoint requires a key provider")
	}
	cp := Checkpoint{
		RecordCount: l.Count(),
		SignedAt:    l.now(),
	}
	if head := l.HeadSignature(); head != nil {
		cp.HeadSignature = *head
	}
	sig, err := provider.Sign(checkpointMessage(cp))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("lineage: sign checkpoint: %w", err)
	}
	cp.Signature = hex.EncodeToString(sig)
	cp.PublicKey = hex.EncodeToString(provider.PublicKey())
	return cp, nil
}

// VerifyCheckpoint checks a checkpoint's signature against its embedded
// public key.
func VerifyCheckpoint(cp Checkpoint) bool {
	pub, err := hex.DecodeString(cp.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(cp.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, checkpointMessage(cp), sig)
}

// checkpointMessage is the byte form under signature: count, head and
// timestamp, independent of the signature fields themselves.
func checkpointMessage(cp Checkpoint) []byte {
	return []byte(fmt.Sprintf("gap-lineage-checkpoint|%d|%s|%s",
		cp.RecordCount, cp.HeadSignature, cp.SignedAt.UTC().Format(time.RFC3339Nano)))
}
