package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNonceRingSeenAndRecord(t *testing.T) {
	var r NonceRing

	assert.False(t, r.Seen("aa"))
	r.Record("aa")
	assert.True(t, r.Seen("aa"))
	assert.False(t, r.Seen("bb"))
	assert.Equal(t, 1, r.Len())
}

func TestNonceRingEvictsOldest(t *testing.T) {
	var r NonceRing
	for i := 0; i < NonceRingSize; i++ {
		r.Record(fmt.Sprintf("h%03d", i))
	}
	assert.Equal(t, NonceRingSize, r.Len())
	assert.True(t, r.Seen("h000"))

	r.Record("overflow")
	assert.Equal(t, NonceRingSize, r.Len())
	assert.False(t, r.Seen("h000"), "oldest entry must be evicted")
	assert.True(t, r.Seen("h001"))
	assert.True(t, r.Seen("overflow"))
}

func TestNonceRingReset(t *testing.T) {
	var r NonceRing
	r.Record("aa")
	r.Record("bb")
	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Seen("aa"))
}
