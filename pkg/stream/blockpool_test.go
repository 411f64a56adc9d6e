package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockPoolReusesReleasedBlocks(t *testing.T) {
	p := NewBlockPool()
	b1 := p.Get()
	b1.Count = 5
	p.Release(b1)

	require.Equal(t, 1, p.Size())

	b2 := p.Get()
	require.Same(t, b1, b2)
	require.Equal(t, 0, b2.Count)
	require.Equal(t, 0, p.Size())
}

func TestBlockPoolGrowsOnDemand(t *testing.T) {
	p := NewBlockPool()
	b1 := p.Get()
	b2 := p.Get()
	require.NotSame(t, b1, b2)
}
