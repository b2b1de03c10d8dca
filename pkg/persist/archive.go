package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"

	"github.com/minio/blake2b-simd"
)

// ErrHashMismatch is returned when a snapshot's bytes do not match its name
var ErrHashMismatch = errors.New("persist: snapshot hash mismatch")

// Archive keeps full-state snapshots per document. Snapshots are stored
// under their content hash and a HEAD object names the latest one.
type Archive struct {
	p      Persist
	prefix string
}

// NewArchive returns an archive storing objects below prefix
func NewArchive(p Persist, prefix string) *Archive {
	return &Archive{p: p, prefix: prefix}
}

// Hash returns the content address of b
func Hash(b []byte) string {
	sum := blake2b.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (a *Archive) headName(docID string) string {
	return path.Join(a.prefix, "docs", docID, "HEAD")
}

func (a *Archive) blobName(docID, hash string) string {
	return path.Join(a.prefix, "docs", docID, "snapshots", hash)
}

// Save stores state as the latest snapshot of docID and returns its hash.
// Saving the current head again writes nothing.
func (a *Archive) Save(ctx context.Context, docID string, state []byte) (string, error) {
	if err := ValidateDocID(docID); err != nil {
		return "", err
	}
	hash := Hash(state)
	head, err := a.p.Load(ctx, a.headName(docID))
	switch {
	case err == nil && string(head) == hash:
		return hash, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("load head: %w", err)
	}

	if err := a.p.Store(ctx, a.blobName(docID, hash), state); err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	if err := a.p.Store(ctx, a.headName(docID), []byte(hash)); err != nil {
		return "", fmt.Errorf("store head: %w", err)
	}
	return hash, nil
}

// Head returns the hash of the latest snapshot of docID
func (a *Archive) Head(ctx context.Context, docID string) (string, error) {
	if err := ValidateDocID(docID); err != nil {
		return "", err
	}
	head, err := a.p.Load(ctx, a.headName(docID))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(head)), nil
}

// Load returns the snapshot stored under hash, verifying its content
func (a *Archive) Load(ctx context.Context, docID, hash string) ([]byte, error) {
	if err := ValidateDocID(docID); err != nil {
		return nil, err
	}
	state, err := a.p.Load(ctx, a.blobName(docID, hash))
	if err != nil {
		return nil, err
	}
	if Hash(state) != hash {
		return nil, fmt.Errorf("%s/%s: %w", docID, hash, ErrHashMismatch)
	}
	return state, nil
}

// Latest returns the latest snapshot of docID, or ErrNotFound
func (a *Archive) Latest(ctx context.Context, docID string) ([]byte, error) {
	hash, err := a.Head(ctx, docID)
	if err != nil {
		return nil, err
	}
	return a.Load(ctx, docID, hash)
}
