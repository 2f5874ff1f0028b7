package lifecycle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	b := newRingBuffer(10)

	b.append(outputChunk{Data: "aaaa", Timestamp: time.Now()})
	b.append(outputChunk{Data: "bbbb", Timestamp: time.Now()})
	b.append(outputChunk{Data: "cccc", Timestamp: time.Now()})

	chunks := b.snapshot()
	var total int
	var joined strings.Builder
	for _, c := range chunks {
		total += len(c.Data)
		joined.WriteString(c.Data)
	}
	assert.LessOrEqual(t, total, 10)
	assert.NotContains(t, joined.String(), "aaaa")
	assert.Contains(t, joined.String(), "cccc")
}

func TestRingBufferSnapshotIsCopy(t *testing.T) {
	b := newRingBuffer(0)
	b.append(outputChunk{Data: "stable", Timestamp: time.Now()})

	snap := b.snapshot()
	snap[0].Data = "mutated"
	assert.Equal(t, "stable", b.snapshot()[0].Data)
}
