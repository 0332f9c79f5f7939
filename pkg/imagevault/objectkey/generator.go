// Package objectkey derives storage object keys for variants. Keys are
// sharded Git-style on the variant id so buckets with many objects keep flat
// prefixes short.
package objectkey

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator defines the interface for object key generation strategies.
type Generator interface {
	// GenerateKey creates the storage key for a variant's bytes.
	GenerateKey(variantID uuid.UUID, transformationKey string, isOriginal bool) string
}

// ShardedGenerator produces Git-style sharded keys with original/derived
// separation:
//
//	originals/ab/cd1234..._orig
//	derived/ab/cd1234..._<transformation key>
type ShardedGenerator struct {
	// ShardLength controls how many leading id characters form the shard
	// directory (default: 2).
	ShardLength int
}

// NewShardedGenerator returns a generator with the default shard length.
func NewShardedGenerator() *ShardedGenerator {
	return &ShardedGenerator{ShardLength: 2}
}

func (g *ShardedGenerator) GenerateKey(variantID uuid.UUID, transformationKey string, isOriginal bool) string {
	idStr := strings.ReplaceAll(variantID.String(), "-", "")

	shardLen := g.ShardLength
	if shardLen <= 0 || shardLen >= len(idStr) {
		shardLen = 2
	}
	shard := idStr[:shardLen]
	remaining := idStr[shardLen:]

	prefix := "derived"
	if isOriginal {
		prefix = "originals"
	}
	return fmt.Sprintf("%s/%s/%s_%s", prefix, shard, remaining, sanitizeComponent(transformationKey))
}

// CustomFuncGenerator allows callers to provide their own key layout.
type CustomFuncGenerator struct {
	GenerateFunc func(variantID uuid.UUID, transformationKey string, isOriginal bool) string
}

func (g *CustomFuncGenerator) GenerateKey(variantID uuid.UUID, transformationKey string, isOriginal bool) string {
	return g.GenerateFunc(variantID, transformationKey, isOriginal)
}

func sanitizeComponent(component string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	return strings.ToLower(replacer.Replace(component))
}
