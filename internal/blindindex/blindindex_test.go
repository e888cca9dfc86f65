package blindindex_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"identity-service/internal/blindindex"
)

func TestIndexer_Index(t *testing.T) {
	key := []byte("test-blind-index-key-32-bytes-ok")
	ix := blindindex.NewIndexer(key)

	t.Run("deterministic across calls", func(t *testing.T) {
		h1 := ix.Index("6281234567")
		h2 := ix.Index("6281234567")
		assert.Equal(t, h1, h2)
	})

	t.Run("deterministic across instances with same key", func(t *testing.T) {
		other := blindindex.NewIndexer(key)
		assert.Equal(t, ix.Index("6281234567"), other.Index("6281234567"))
	})

	t.Run("different phones produce different tokens", func(t *testing.T) {
		assert.NotEqual(t, ix.Index("6281234567"), ix.Index("6281234568"))
	})

	t.Run("different keys produce different tokens", func(t *testing.T) {
		other := blindindex.NewIndexer([]byte("another-blind-index-key-32-bytes"))
		assert.NotEqual(t, ix.Index("6281234567"), other.Index("6281234567"))
	})

	t.Run("produces 64-char hex token", func(t *testing.T) {
		h := ix.Index("6281234567")
		assert.Len(t, h, 64)
		assert.Regexp(t, `^[0-9a-f]{64}$`, h)
	})
}
