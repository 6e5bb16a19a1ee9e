package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunksSmallContentUnchanged(t *testing.T) {
	content := "short paragraph\n\nanother one"
	chunks := splitChunks(content, 2000, 200)
	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0])
}

func TestSplitChunksEmpty(t *testing.T) {
	assert.Nil(t, splitChunks("", 2000, 200))
}

func TestSplitChunksBoundedSize(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString(strings.Repeat("word ", 60))
		b.WriteString("\n\n")
	}
	content := b.String()
	require.Greater(t, len(content), 2000)

	chunks := splitChunks(content, 2000, 200)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 2000, "chunk %d", i)
		assert.NotEmpty(t, c, "chunk %d", i)
	}
}

func TestSplitChunksLongSingleLine(t *testing.T) {
	// One line far beyond the max forces raw character slicing.
	content := strings.Repeat("a", 7000)
	chunks := splitChunks(content, 2000, 200)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 2000, "chunk %d", i)
	}

	// Stepping by max-overlap covers everything: deduplicating the
	// overlap reconstructs the original.
	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0])
	for _, c := range chunks[1:] {
		rebuilt.WriteString(c[min(200, len(c)):])
	}
	assert.Equal(t, content, rebuilt.String())
}

func TestSplitChunksOverlapCarried(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString(strings.Repeat("x", 90))
		b.WriteString("\n\n")
	}
	chunks := splitChunks(b.String(), 300, 50)
	require.Greater(t, len(chunks), 1)

	// Each chunk after the first starts with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		prevTail := tail(chunks[i-1], 50)
		assert.True(t, strings.HasPrefix(chunks[i], prevTail), "chunk %d missing overlap", i)
	}
}

func TestSliceRaw(t *testing.T) {
	text := strings.Repeat("ab", 500)
	slices := sliceRaw(text, 300, 100)
	for _, s := range slices {
		assert.LessOrEqual(t, len(s), 300)
	}
	// Consecutive windows overlap by 100 characters.
	assert.Equal(t, slices[0][200:], slices[1][:100])
}
