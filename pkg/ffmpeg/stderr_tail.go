package ffmpeg

import "strings"

// stderrTailCap bounds how much subprocess stderr is retained for error
// messages. ffmpeg streams progress to stderr, so an hours-long extract
// would otherwise buffer megabytes nobody reads.
const stderrTailCap = 4096

// stderrTail keeps the most recent stderr bytes.
type stderrTail struct {
	buf []byte
}

func newStderrTail() *stderrTail {
	return &stderrTail{}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailCap {
		t.buf = t.buf[len(t.buf)-stderrTailCap:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	return strings.TrimSpace(string(t.buf))
}
