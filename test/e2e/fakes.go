package e2e

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/publish"
	"github.com/briefcast/briefcast/pkg/stt"
	"github.com/briefcast/briefcast/pkg/tts"
)

// fakeTranscoder implements ffmpeg.Transcoder over plain files: Extract
// writes a marker per segment, Concat joins the listed files byte for byte,
// and decode validation fails for the configured chunk names.
type fakeTranscoder struct {
	mu sync.Mutex

	// sourceSeconds is the probed duration of anything this fake did not
	// write itself, i.e. cached source audio.
	sourceSeconds float64
	// outputSeconds is the probed duration of files written by Concat.
	outputSeconds float64
	badDecode     map[string]bool
	concatOutputs map[string]bool
}

func newFakeTranscoder(sourceSeconds float64) *fakeTranscoder {
	return &fakeTranscoder{
		sourceSeconds: sourceSeconds,
		outputSeconds: 300,
		badDecode:     make(map[string]bool),
		concatOutputs: make(map[string]bool),
	}
}

// failDecode makes TestDecode reject the named chunk files.
func (f *fakeTranscoder) failDecode(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.badDecode[n] = true
	}
}

func (f *fakeTranscoder) Extract(_ context.Context, input string, start, _ time.Duration, output string) error {
	data := fmt.Sprintf("segment %s of %s start=%s\n", filepath.Base(output), filepath.Base(input), start)
	return os.WriteFile(output, []byte(data), 0o644)
}

func (f *fakeTranscoder) Concat(_ context.Context, listPath, output string) error {
	data, err := os.ReadFile(listPath)
	if err != nil {
		return err
	}
	// ffconcat entries are relative to the list file's directory, same as
	// the real binary resolves them.
	dir := filepath.Dir(listPath)
	var out bytes.Buffer
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "file '") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		part, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("concat entry %s: %w", name, err)
		}
		out.Write(part)
	}
	if err := os.WriteFile(output, out.Bytes(), 0o644); err != nil {
		return err
	}
	f.mu.Lock()
	f.concatOutputs[output] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscoder) ProbeDuration(_ context.Context, path string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.concatOutputs[path] {
		return f.outputSeconds, nil
	}
	return f.sourceSeconds, nil
}

func (f *fakeTranscoder) TestDecode(_ context.Context, path string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badDecode[filepath.Base(path)] {
		return fmt.Errorf("pcm stream unreadable in %s", filepath.Base(path))
	}
	return nil
}

// fakeSTT implements stt.Provider. Each chunk's text is derived from its
// file name so transcript ordering is checkable, and the configured chunks
// fail on every attempt.
type fakeSTT struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string // full chunk paths in call order
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{fail: make(map[string]error)}
}

// failChunk makes the named chunk file fail with err on every attempt.
func (f *fakeSTT) failChunk(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = err
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) Transcribe(_ context.Context, audioPath, _ string) (*stt.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, audioPath)
	err := f.fail[filepath.Base(audioPath)]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &stt.Result{Text: chunkText(filepath.Base(audioPath))}, nil
}

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSTT) callsUnder(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, dir+string(filepath.Separator)) {
			n++
		}
	}
	return n
}

// chunkText is the deterministic transcript the fake produces for one chunk
// file name.
func chunkText(chunkName string) string {
	return "spoken text from " + strings.TrimSuffix(chunkName, ".mp3")
}

// scriptedLLM implements llm.Provider with a per-test completion handler.
type scriptedLLM struct {
	mu       sync.Mutex
	complete func(req llm.Request) (string, error)
	requests []llm.Request
}

func (s *scriptedLLM) Name() string { return "scripted-llm" }

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.complete
	s.mu.Unlock()
	text, err := fn(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{
		Text:  text,
		Usage: llm.Usage{InputTokens: 1000, OutputTokens: 200, TotalTokens: 1200},
	}, nil
}

// fakeSynthesizer implements tts.Synthesizer. Every call records its render
// key; the returned payload embeds the key so concat order is checkable from
// the final file. Failures are planned by call ordinal.
type fakeSynthesizer struct {
	mu          sync.Mutex
	calls       []string
	failOrdinal map[int]error // 1-based call ordinal to fail
	filler      []byte
}

func newFakeSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{
		failOrdinal: make(map[int]error),
		// Enough filler that even a one-chunk digest clears the engine's
		// final size floor.
		filler: bytes.Repeat([]byte("audio-frame "), 1024),
	}
}

// failOnCall plans a failure for the nth synthesis call, counted across both
// endpoints.
func (f *fakeSynthesizer) failOnCall(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOrdinal[n] = err
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _, _, text string, _ tts.VoiceSettings) ([]byte, error) {
	return f.render(text)
}

func (f *fakeSynthesizer) SynthesizeDialogue(_ context.Context, _ string, inputs []tts.DialogueInput) ([]byte, error) {
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Text
	}
	return f.render(strings.Join(texts, "\n"))
}

func (f *fakeSynthesizer) render(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err := f.failOrdinal[len(f.calls)]; err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(f.filler)+len(key)+2)
	data = append(data, f.filler...)
	data = append(data, '\n')
	data = append(data, key...)
	data = append(data, '\n')
	return data, nil
}

func (f *fakeSynthesizer) callsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeSynthesizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// dialogueRenderKey is the render key the fake records for a dialogue chunk:
// the chunk's voiced line texts joined by newlines, mirroring how the engine
// maps a chunk onto provider inputs.
func dialogueRenderKey(chunkText string) string {
	var texts []string
	for _, line := range tts.ParseLines(chunkText) {
		if line.Text != "" {
			texts = append(texts, line.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// fakeReleaseStore implements the publisher's release surface in memory.
type fakeReleaseStore struct {
	mu       sync.Mutex
	releases map[string]*publish.Release // tag lookup
	uploads  []string                    // asset names in upload order
	nextID   int64
}

func newFakeReleaseStore() *fakeReleaseStore {
	return &fakeReleaseStore{releases: make(map[string]*publish.Release)}
}

const fakeUploadPrefix = "fake://upload/"

func (f *fakeReleaseStore) CreateRelease(_ context.Context, tag, name, _ string) (*publish.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.releases[tag]; ok {
		return nil, fmt.Errorf("tag %s already exists", tag)
	}
	f.nextID++
	rel := &publish.Release{
		ID:        f.nextID,
		TagName:   tag,
		Name:      name,
		HTMLURL:   "https://releases.example.com/" + tag,
		UploadURL: fakeUploadPrefix + tag,
	}
	f.releases[tag] = rel
	return rel, nil
}

func (f *fakeReleaseStore) GetReleaseByTag(_ context.Context, tag string) (*publish.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel, ok := f.releases[tag]
	if !ok {
		return nil, fmt.Errorf("release %s: %w", tag, models.ErrNotFound)
	}
	cp := *rel
	cp.Assets = append([]publish.Asset(nil), rel.Assets...)
	return &cp, nil
}

func (f *fakeReleaseStore) UploadAsset(_ context.Context, uploadURL, name, filePath string) (*publish.Asset, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("asset source missing: %w", err)
	}
	tag := strings.TrimPrefix(uploadURL, fakeUploadPrefix)

	f.mu.Lock()
	defer f.mu.Unlock()
	rel, ok := f.releases[tag]
	if !ok {
		return nil, fmt.Errorf("no release behind upload URL %s", uploadURL)
	}
	f.nextID++
	asset := publish.Asset{
		ID:                 f.nextID,
		Name:               name,
		BrowserDownloadURL: "https://releases.example.com/" + tag + "/" + name,
	}
	rel.Assets = append(rel.Assets, asset)
	f.uploads = append(f.uploads, name)
	return &asset, nil
}

func (f *fakeReleaseStore) uploadedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

const rssTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>%s</title>
    <description>e2e fixture feed</description>
    <item>
      <title>%s</title>
      <guid>%s</guid>
      <pubDate>%s</pubDate>
      <description>An hour of discussion.</description>
      <enclosure url="%s" length="%d" type="audio/mpeg"/>
    </item>
  </channel>
</rss>
`

// newFeedServer serves an RSS feed with a single enclosure-bearing item and
// the audio bytes behind it. The feed URL is srv.URL + "/feed.xml".
func newFeedServer(t *testing.T, feedTitle, itemTitle, guid string, published time.Time) *httptest.Server {
	t.Helper()
	audio := bytes.Repeat([]byte("fake mp3 frame "), 16*1024)

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, rssTemplate,
			feedTitle, itemTitle, guid,
			published.Format(time.RFC1123Z),
			srv.URL+"/audio.mp3", len(audio))
	})
	mux.HandleFunc("/audio.mp3", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// errSynthOverloaded is the transient failure the synthesizer fake raises.
var errSynthOverloaded = models.Transient(errors.New("synthesis backend overloaded"))
