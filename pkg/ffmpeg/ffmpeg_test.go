package ffmpeg

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{300 * time.Second, "300"},
		{2500 * time.Millisecond, "2.5"},
		{0, "0"},
		{90 * time.Minute, "5400"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSeconds(tt.d))
	}
}

func TestWriteConcatList(t *testing.T) {
	path := t.TempDir() + "/list.txt"

	err := WriteConcatList(path, []string{
		"/tmp/digest/chunk_001.mp3",
		"/tmp/digest/chunk_002.mp3",
		"/tmp/it's here.mp3",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "file '/tmp/digest/chunk_001.mp3'", lines[0])
	assert.Equal(t, "file '/tmp/digest/chunk_002.mp3'", lines[1])
	assert.Equal(t, `file '/tmp/it'\''s here.mp3'`, lines[2])
}

func TestWriteConcatListRejectsEmpty(t *testing.T) {
	err := WriteConcatList(t.TempDir()+"/list.txt", nil)
	require.Error(t, err)
}

func TestStderrTailKeepsRecentBytes(t *testing.T) {
	tail := newStderrTail()

	_, err := tail.Write([]byte("early progress spam\n"))
	require.NoError(t, err)
	_, err = tail.Write([]byte(strings.Repeat("x", stderrTailCap)))
	require.NoError(t, err)
	_, err = tail.Write([]byte("\nfinal error: invalid data"))
	require.NoError(t, err)

	out := tail.String()
	assert.LessOrEqual(t, len(out), stderrTailCap)
	assert.Contains(t, out, "final error: invalid data")
	assert.NotContains(t, out, "early progress spam")
}
