package sync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndex_Stable(t *testing.T) {
	for i := range 50 {
		key := fmt.Sprintf("t1|overage|%d", i)
		assert.Equal(t, Index(key, 8), Index(key, 8))
	}
}

func TestIndex_Bounds(t *testing.T) {
	for i := range 200 {
		idx := Index(fmt.Sprintf("key-%d", i), 7)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 7)
	}
}

func TestIndex_Degenerate(t *testing.T) {
	assert.Equal(t, 0, Index("", 8))
	assert.Equal(t, 0, Index("anything", 1))
	assert.Equal(t, 0, Index("anything", 0))
}

func TestIndex_Spreads(t *testing.T) {
	seen := map[int]bool{}
	for i := range 100 {
		seen[Index(fmt.Sprintf("entity-%d", i), 4)] = true
	}
	assert.Len(t, seen, 4)
}
