package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDeltaUnchanged(t *testing.T) {
	delta, reset := ComputeDelta("abc\ndef", "abc\ndef")
	assert.Empty(t, delta)
	assert.False(t, reset)
}

func TestComputeDeltaAppend(t *testing.T) {
	delta, reset := ComputeDelta("line1\nline2", "line1\nline2\nline3")
	assert.Equal(t, "\nline3", delta)
	assert.False(t, reset)
}

func TestComputeDeltaScrolledOverlap(t *testing.T) {
	// Pane scrolled: the oldest line fell off the top, new line appended.
	prev := "line1\nline2\nline3"
	cur := "line2\nline3\nline4"
	delta, reset := ComputeDelta(prev, cur)
	assert.Equal(t, "\nline4", delta)
	assert.False(t, reset)
}

func TestComputeDeltaReset(t *testing.T) {
	delta, reset := ComputeDelta("old content entirely", "fresh screen")
	assert.Equal(t, "fresh screen", delta)
	assert.True(t, reset)
}

func TestComputeDeltaFromEmpty(t *testing.T) {
	delta, reset := ComputeDelta("", "hello")
	assert.Equal(t, "hello", delta)
	assert.False(t, reset)
}

func TestNormalizeCapture(t *testing.T) {
	assert.Equal(t, "a\nb", NormalizeCapture("a\nb\n\n\n"))
	assert.Equal(t, "a", NormalizeCapture("a  \t\n"))
	assert.Equal(t, "", NormalizeCapture("\n\n"))
}

func TestSplitChunksShort(t *testing.T) {
	chunks := SplitChunks("hello", 2000)
	assert.Equal(t, []string{"hello"}, chunks)
}

func TestSplitChunksPrefersNewline(t *testing.T) {
	text := strings.Repeat("x", 1500) + "\n" + strings.Repeat("y", 1000)
	chunks := SplitChunks(text, 2000)
	assert.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("x", 1500)+"\n", chunks[0])
	assert.Equal(t, strings.Repeat("y", 1000), chunks[1])
}

func TestSplitChunksHardCut(t *testing.T) {
	text := strings.Repeat("z", 4500)
	chunks := SplitChunks(text, 2000)
	assert.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 2000)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestExtractImagePathsOnlyExisting(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "plot.png")
	require.NoError(t, os.WriteFile(real, []byte("fake"), 0644))

	text := "Saved the chart to " + real + "\nAlso mentioned /nowhere/ghost.png here.\n" +
		"And " + real + " again."
	got := extractImagePaths(text)
	assert.Equal(t, []string{real}, got)
}

func TestExtractImagePathsIgnoresNonImages(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	assert.Empty(t, extractImagePaths("wrote "+f))
}

func TestSplitChunksRuneBoundary(t *testing.T) {
	text := strings.Repeat("あ", 2100)
	chunks := SplitChunks(text, 2000)
	assert.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c, "あ"))
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}
