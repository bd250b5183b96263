// Package chunkkey issues, verifies, and revokes single-use upload
// credentials. The external media server validates incoming chunks against
// these keys instead of holding database credentials of its own.
package chunkkey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

const (
	keyLength = 32
	keyChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	// ErrNotFound indicates the competition is missing or not live.
	ErrNotFound = errors.New("competition not found or not live")
	// ErrForbidden indicates the caller is not the competition host.
	ErrForbidden = errors.New("only the host may register chunk keys")
	// ErrInvalidKey indicates the key does not exist.
	ErrInvalidKey = errors.New("invalid chunk key")
)

// Key binds one upload credential to exactly one (competition, chunk index) pair.
type Key struct {
	Key           string `json:"key"`
	CompetitionID string `json:"competition_id"`
	ChunkIndex    int    `json:"chunk_index"`
}

// Store persists issued keys.
type Store interface {
	// Save persists a key.
	Save(ctx context.Context, k Key) error
	// Lookup returns the key record, or ErrInvalidKey.
	Lookup(ctx context.Context, key string) (*Key, error)
	// Delete removes a key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// Authority mints and checks upload keys against the competition record.
type Authority struct {
	competitions competition.Store
	store        Store
}

// NewAuthority creates an Authority.
func NewAuthority(competitions competition.Store, store Store) *Authority {
	return &Authority{competitions: competitions, store: store}
}

// Register mints a key authorizing one upload of (competitionID, chunkIndex).
// Only the host of a live competition may register. Registering the same pair
// twice yields two distinct, independently valid keys; index bookkeeping is
// the producer's job, not the authority's.
func (a *Authority) Register(ctx context.Context, competitionID string, chunkIndex int, callerUserID string) (string, error) {
	rec, err := a.competitions.Get(ctx, competitionID)
	if err != nil {
		if errors.Is(err, competition.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve competition: %w", err)
	}
	if !rec.Live {
		return "", ErrNotFound
	}
	if rec.HostID != callerUserID {
		return "", ErrForbidden
	}

	key := Key{
		Key:           generateKey(),
		CompetitionID: competitionID,
		ChunkIndex:    chunkIndex,
	}
	if err := a.store.Save(ctx, key); err != nil {
		return "", fmt.Errorf("failed to save chunk key: %w", err)
	}

	pkglog.L().Debug().
		Str(pkglog.FieldCompetition, competitionID).
		Int(pkglog.FieldChunk, chunkIndex).
		Msg("chunk key registered")
	return key.Key, nil
}

// Verify resolves a key to its (competition, chunk index) pair without
// consuming it. Returns ErrInvalidKey for unknown keys.
func (a *Authority) Verify(ctx context.Context, key string) (*Key, error) {
	return a.store.Lookup(ctx, key)
}

// Revoke deletes a key after the media server has accepted the upload.
func (a *Authority) Revoke(ctx context.Context, key string) (bool, error) {
	return a.store.Delete(ctx, key)
}

func generateKey() string {
	buf := make([]byte, keyLength)
	for i := range buf {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(keyChars))))
		buf[i] = keyChars[n.Int64()]
	}
	return string(buf)
}
