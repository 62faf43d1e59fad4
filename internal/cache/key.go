package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"strings"
)

// KeyInput lists everything that makes two provider calls interchangeable.
type KeyInput struct {
	ProviderID   string
	Model        string
	SystemPrompt string
	History      []string // rendered prior turns, oldest first
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

// Key derives a stable cache key. Prompts are whitespace-normalized so
// formatting-only differences share an entry.
func Key(in KeyInput) string {
	h := sha256.New()
	writeField(h, in.ProviderID)
	writeField(h, in.Model)
	writeField(h, normalize(in.SystemPrompt))
	writeUint(h, uint64(len(in.History)))
	for _, turn := range in.History {
		writeField(h, normalize(turn))
	}
	writeField(h, normalize(in.Prompt))
	writeUint(h, math.Float64bits(in.Temperature))
	writeUint(h, uint64(in.MaxTokens))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// writeField length-prefixes s so adjacent fields cannot run together.
func writeField(h hash.Hash, s string) {
	writeUint(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUint(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}
