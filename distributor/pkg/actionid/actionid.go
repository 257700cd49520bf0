// Package actionid mints idempotency tokens for privileged ledger operations
// (admin transfers, token whitelist changes, NGO verification). The ledger is
// the authority that rejects a replayed ID; the generator's job is only to
// make accidental reuse astronomically unlikely within a process, including
// same-millisecond calls from concurrent requests.
package actionid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

// maxAttempts bounds the per-index regeneration loop. Exhaustion is fatal for
// the requesting operation: proceeding with a possibly-colliding ID would let
// the ledger silently drop one of two distinct privileged actions.
const maxAttempts = 100

// indexSpread separates IDs minted for different sub-operations of the same
// batch on the timestamp axis.
const indexSpread = 1_000_000

// ErrGenerationExhausted is returned when a fresh ID still collides with one
// already minted in the same batch after maxAttempts tries.
var ErrGenerationExhausted = errors.New("exhausted attempts to generate a unique action id")

type Config struct {
	Clock   clockwork.Clock
	Entropy io.Reader
}

func (cfg *Config) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Entropy == nil {
		cfg.Entropy = rand.Reader
	}
	return nil
}

// Generator mints 64-bit action IDs. The counter is process-lifetime state:
// initialized at construction, advanced under a mutex on every attempt, never
// reset. Tests construct isolated generators instead of sharing a global.
type Generator struct {
	cfg Config

	mu      sync.Mutex
	counter uint64
}

func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg}, nil
}

// Generate returns count pairwise-distinct IDs for the actor. count must be
// at least 1. Each ID mixes a monotonically increasing counter, fresh random
// bytes, a millisecond timestamp offset by index*indexSpread, and the actor's
// key bytes, XORed into a little-endian uint64.
func (g *Generator) Generate(actor solana.PublicKey, count int) ([]uint64, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be at least 1, got %d", count)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	actorBytes := actor.Bytes()
	baseMillis := uint64(g.cfg.Clock.Now().UnixMilli())

	ids := make([]uint64, 0, count)
	used := make(map[uint64]struct{}, count)

	for i := 0; i < count; i++ {
		var id uint64
		minted := false

		for attempt := 0; attempt < maxAttempts; attempt++ {
			g.counter++

			randBytes := make([]byte, 8)
			if _, err := io.ReadFull(g.cfg.Entropy, randBytes); err != nil {
				return nil, fmt.Errorf("failed to read entropy: %w", err)
			}

			stamp := baseMillis + uint64(i)*indexSpread + g.counter
			stampBytes := make([]byte, 8)
			binary.LittleEndian.PutUint64(stampBytes, stamp)

			idBytes := make([]byte, 8)
			for j := 0; j < 8; j++ {
				idBytes[j] = stampBytes[j] ^ randBytes[j] ^ actorBytes[j]
			}
			id = binary.LittleEndian.Uint64(idBytes)

			if _, dup := used[id]; !dup {
				minted = true
				break
			}
		}
		if !minted {
			return nil, fmt.Errorf("index %d: %w", i, ErrGenerationExhausted)
		}

		used[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids, nil
}
