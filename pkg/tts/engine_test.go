package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/briefcast/briefcast/pkg/digest"
	"github.com/briefcast/briefcast/pkg/models"
)

type commitCall struct {
	id       int64
	mp3Path  string
	duration float64
	title    *string
	summary  *string
}

// fakeDigestSource implements DigestSource over an in-memory slice.
type fakeDigestSource struct {
	mu        sync.Mutex
	digests   []*models.Digest
	listErr   error
	commitErr error
	commits   []commitCall
}

func (f *fakeDigestSource) ListByStatus(ctx context.Context, status models.DigestStatus) ([]*models.Digest, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.Digest
	for _, d := range f.digests {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDigestSource) CommitAudio(ctx context.Context, id int64, mp3Path string, durationSeconds float64, title, summary *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, commitCall{
		id:       id,
		mp3Path:  mp3Path,
		duration: durationSeconds,
		title:    title,
		summary:  summary,
	})
	return nil
}

// fakeVoiceTopics implements TopicSource.
type fakeVoiceTopics struct {
	topics map[string]*models.Topic
}

func (f *fakeVoiceTopics) GetBySlug(ctx context.Context, slug string) (*models.Topic, error) {
	topic, ok := f.topics[slug]
	if !ok {
		return nil, models.ErrNotFound
	}
	return topic, nil
}

type dialogueCall struct {
	model  string
	inputs []DialogueInput
}

type singleCall struct {
	model    string
	voiceID  string
	text     string
	settings VoiceSettings
}

// fakeSynth implements Synthesizer. Each call pops one scripted error; nil
// entries and an exhausted queue succeed.
type fakeSynth struct {
	mu            sync.Mutex
	errs          []error
	data          []byte
	dialogueCalls []dialogueCall
	singleCalls   []singleCall
}

func (f *fakeSynth) pop() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSynth) audio() []byte {
	if f.data != nil {
		return f.data
	}
	return bytes.Repeat([]byte{0xFF}, 12<<10)
}

func (f *fakeSynth) Synthesize(ctx context.Context, model, voiceID, text string, settings VoiceSettings) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls = append(f.singleCalls, singleCall{model: model, voiceID: voiceID, text: text, settings: settings})
	if err := f.pop(); err != nil {
		return nil, err
	}
	return f.audio(), nil
}

func (f *fakeSynth) SynthesizeDialogue(ctx context.Context, model string, inputs []DialogueInput) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogueCalls = append(f.dialogueCalls, dialogueCall{model: model, inputs: inputs})
	if err := f.pop(); err != nil {
		return nil, err
	}
	return f.audio(), nil
}

// fakeTranscoder implements ffmpeg.Transcoder by concatenating the files
// named in the ffconcat list.
type fakeTranscoder struct {
	duration  float64
	concatErr error
	probeErr  error
}

func (f *fakeTranscoder) Extract(ctx context.Context, input string, start, duration time.Duration, output string) error {
	return errors.New("extract not used in synthesis")
}

func (f *fakeTranscoder) TestDecode(ctx context.Context, path string, span time.Duration) error {
	return errors.New("decode not used in synthesis")
}

func (f *fakeTranscoder) Concat(ctx context.Context, listPath, output string) error {
	if f.concatErr != nil {
		return f.concatErr
	}
	list, err := os.ReadFile(listPath)
	if err != nil {
		return err
	}
	var out []byte
	for _, line := range strings.Split(string(list), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "file '") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
		data, err := os.ReadFile(filepath.Join(filepath.Dir(listPath), name))
		if err != nil {
			return err
		}
		out = append(out, data...)
	}
	return os.WriteFile(output, out, 0o644)
}

func (f *fakeTranscoder) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	return f.duration, nil
}

// fakeMeta implements MetadataSource.
type fakeMeta struct {
	meta  *digest.Metadata
	err   error
	calls int
}

func (f *fakeMeta) Generate(ctx context.Context, topicName, script string) (*digest.Metadata, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.meta, nil
}

func generatedDigest(id int64, topic, script string) *models.Digest {
	return &models.Digest{
		ID:              id,
		Topic:           topic,
		DigestDate:      time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		DigestTimestamp: time.Date(2026, 8, 25, 6, 30, 15, 0, time.UTC),
		ScriptContent:   script,
		Status:          models.DigestStatusGenerated,
	}
}

func dialogueTopicRow() *models.Topic {
	return &models.Topic{
		ID:             1,
		Slug:           "ai-news",
		Name:           "AI News",
		UseDialogueAPI: true,
		DialogueModel:  "eleven_v3",
		VoiceConfig: map[string]models.SpeakerVoice{
			"SPEAKER_1": {VoiceID: "voice-one", Name: "Maya"},
			"SPEAKER_2": {VoiceID: "voice-two", Name: "James"},
		},
	}
}

func narrativeTopicRow() *models.Topic {
	return &models.Topic{
		ID:            2,
		Slug:          "climate",
		Name:          "Climate",
		VoiceID:       "voice-solo",
		VoiceSettings: map[string]any{"stability": 0.8},
	}
}

func testEngineConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		MP3Dir:        t.TempDir(),
		TmpDir:        t.TempDir(),
		Model:         "eleven_v3",
		DialogueModel: "eleven_v3",
		MaxChunkChars: 2800,
		MaxRetries:    2,
		RetryBase:     time.Millisecond,
	}
}

func defaultMeta() *fakeMeta {
	return &fakeMeta{meta: &digest.Metadata{Title: "AI News Daily", Summary: "Two stories."}}
}

func TestEngine_Run(t *testing.T) {
	t.Run("renders a dialogue digest end to end", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		script := "SPEAKER_1: Welcome back.\nSPEAKER_2: Big day today.\nSPEAKER_1: Let us get into it."
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(7, "ai-news", script)}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		synth := &fakeSynth{}
		meta := defaultMeta()
		cfg := testEngineConfig(t)

		engine := NewEngine(digests, topics, synth, meta, &fakeTranscoder{duration: 754.2}, cfg, discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)
		assert.Equal(t, 0, res.DigestsFailed)

		require.Len(t, synth.dialogueCalls, 1)
		call := synth.dialogueCalls[0]
		assert.Equal(t, "eleven_v3", call.model)
		require.Len(t, call.inputs, 3)
		assert.Equal(t, DialogueInput{Text: "Welcome back.", VoiceID: "voice-one"}, call.inputs[0])
		assert.Equal(t, DialogueInput{Text: "Big day today.", VoiceID: "voice-two"}, call.inputs[1])
		assert.Equal(t, DialogueInput{Text: "Let us get into it.", VoiceID: "voice-one"}, call.inputs[2])

		require.Len(t, digests.commits, 1)
		commit := digests.commits[0]
		assert.Equal(t, int64(7), commit.id)
		assert.Equal(t, filepath.Join(cfg.MP3Dir, "ai-news_2026-08-25_063015.mp3"), commit.mp3Path)
		assert.Equal(t, 754.2, commit.duration)
		require.NotNil(t, commit.title)
		assert.Equal(t, "AI News Daily", *commit.title)
		require.NotNil(t, commit.summary)
		assert.Equal(t, "Two stories.", *commit.summary)

		assert.FileExists(t, commit.mp3Path)
		assert.NoDirExists(t, filepath.Join(cfg.TmpDir, "digest_7"))
	})

	t.Run("renders a narrative digest with the topic voice", func(t *testing.T) {
		script := "First sentence. Second sentence."
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(8, "climate", script)}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"climate": narrativeTopicRow()}}
		synth := &fakeSynth{}
		cfg := testEngineConfig(t)

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 120}, cfg, discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)

		require.Len(t, synth.singleCalls, 1)
		call := synth.singleCalls[0]
		assert.Equal(t, "eleven_v3", call.model)
		assert.Equal(t, "voice-solo", call.voiceID)
		assert.Equal(t, script, call.text)
		assert.InDelta(t, 0.8, call.settings.Stability, 1e-9)
		assert.Empty(t, synth.dialogueCalls)
	})

	t.Run("long narrative scripts chunk and concatenate", func(t *testing.T) {
		var sentences []string
		for i := 0; i < 30; i++ {
			sentences = append(sentences, fmt.Sprintf("Sentence number %d ends here.", i))
		}
		script := strings.Join(sentences, " ")
		cfg := testEngineConfig(t)
		cfg.MaxChunkChars = 100

		wantChunks, err := SplitNarrative(script, cfg.MaxChunkChars)
		require.NoError(t, err)
		require.Greater(t, len(wantChunks), 1)

		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(9, "climate", script)}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"climate": narrativeTopicRow()}}
		synth := &fakeSynth{}

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 300}, cfg, discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)
		assert.Len(t, synth.singleCalls, len(wantChunks))

		info, err := os.Stat(digests.commits[0].mp3Path)
		require.NoError(t, err)
		assert.Equal(t, int64(len(wantChunks)*12<<10), info.Size())
	})

	t.Run("resumes from the progress file without re-rendering", func(t *testing.T) {
		script := alternatingTurns(4, 80)
		cfg := testEngineConfig(t)
		cfg.MaxChunkChars = 100

		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(11, "ai-news", script)}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		transcoder := &fakeTranscoder{duration: 600}

		firstSynth := &fakeSynth{errs: []error{nil, nil,
			models.Permanent("synthesis rejected (HTTP 400)", nil)}}
		engine := NewEngine(digests, topics, firstSynth, defaultMeta(), transcoder, cfg, discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsFailed)
		assert.Len(t, firstSynth.dialogueCalls, 3)

		workDir := filepath.Join(cfg.TmpDir, "digest_11")
		assert.DirExists(t, workDir)
		prog := loadProgress(filepath.Join(workDir, "progress.json"), 11, cfg.MaxChunkChars, 4)
		assert.Equal(t, []int{1, 2}, prog.Completed)

		secondSynth := &fakeSynth{}
		engine = NewEngine(digests, topics, secondSynth, defaultMeta(), transcoder, cfg, discardLogger())
		res, err = engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)
		assert.Len(t, secondSynth.dialogueCalls, 2)

		require.Len(t, digests.commits, 1)
		info, err := os.Stat(digests.commits[0].mp3Path)
		require.NoError(t, err)
		assert.Equal(t, int64(4*12<<10), info.Size())
		assert.NoDirExists(t, workDir)
	})

	t.Run("drops lines without a voice binding", func(t *testing.T) {
		topic := dialogueTopicRow()
		delete(topic.VoiceConfig, "SPEAKER_2")
		script := "SPEAKER_1: First point.\nSPEAKER_2: Unbound reply.\nSPEAKER_1: Second point."
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(12, "ai-news", script)}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": topic}}
		synth := &fakeSynth{}

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 60}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)

		require.Len(t, synth.dialogueCalls, 1)
		inputs := synth.dialogueCalls[0].inputs
		require.Len(t, inputs, 2)
		assert.Equal(t, "First point.", inputs[0].Text)
		assert.Equal(t, "Second point.", inputs[1].Text)
	})

	t.Run("fails a digest whose chunks have no voiced lines", func(t *testing.T) {
		topic := dialogueTopicRow()
		topic.VoiceConfig = nil
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(13, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": topic}}
		synth := &fakeSynth{}

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 60}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsFailed)
		assert.Empty(t, synth.dialogueCalls)
		assert.Empty(t, digests.commits)
	})

	t.Run("fails when the topic row is missing", func(t *testing.T) {
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(14, "ghost", "SPEAKER_1: Hi.\nSPEAKER_2: Hey.")}}
		synth := &fakeSynth{}

		engine := NewEngine(digests, &fakeVoiceTopics{}, synth, defaultMeta(), &fakeTranscoder{duration: 60}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsFailed)
		assert.Empty(t, synth.dialogueCalls)
		assert.Empty(t, digests.commits)
	})

	t.Run("orphans the MP3 when the commit fails", func(t *testing.T) {
		digests := &fakeDigestSource{
			digests:   []*models.Digest{generatedDigest(15, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")},
			commitErr: errors.New("connection reset"),
		}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		cfg := testEngineConfig(t)

		engine := NewEngine(digests, topics, &fakeSynth{}, defaultMeta(), &fakeTranscoder{duration: 60}, cfg, discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsFailed)

		assert.FileExists(t, filepath.Join(cfg.MP3Dir, "ai-news_2026-08-25_063015.mp3"))
		assert.DirExists(t, filepath.Join(cfg.TmpDir, "digest_15"))
	})

	t.Run("commits without metadata when generation fails", func(t *testing.T) {
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(16, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		meta := &fakeMeta{err: errors.New("model overloaded")}

		engine := NewEngine(digests, topics, &fakeSynth{}, meta, &fakeTranscoder{duration: 60}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)

		require.Len(t, digests.commits, 1)
		assert.Nil(t, digests.commits[0].title)
		assert.Nil(t, digests.commits[0].summary)
	})

	t.Run("retries transient synthesis failures", func(t *testing.T) {
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(17, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		synth := &fakeSynth{errs: []error{models.Transient(errors.New("bad gateway"))}}

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 60}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)
		assert.Len(t, synth.dialogueCalls, 2)
	})

	t.Run("gives up after the retry ceiling", func(t *testing.T) {
		boom := models.Transient(errors.New("bad gateway"))
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(18, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		synth := &fakeSynth{errs: []error{boom, boom, boom}}

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 60}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsFailed)
		assert.Len(t, synth.dialogueCalls, 3)
		assert.Empty(t, digests.commits)
	})

	t.Run("rate limit waits do not count against the ceiling", func(t *testing.T) {
		cfg := testEngineConfig(t)
		cfg.MaxRetries = 0
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(19, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		synth := &fakeSynth{errs: []error{
			&models.RateLimitError{RetryAfter: time.Millisecond, Err: errors.New("slow down")},
		}}

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 60}, cfg, discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsRendered)
		assert.Len(t, synth.dialogueCalls, 2)
	})

	t.Run("rejects a suspiciously small final file", func(t *testing.T) {
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(20, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		synth := &fakeSynth{data: []byte("tiny")}

		engine := NewEngine(digests, topics, synth, defaultMeta(), &fakeTranscoder{duration: 60}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsFailed)
		assert.Empty(t, digests.commits)
	})

	t.Run("probe failure fails the digest", func(t *testing.T) {
		digests := &fakeDigestSource{digests: []*models.Digest{generatedDigest(21, "ai-news", "SPEAKER_1: Hello.\nSPEAKER_2: Hi.")}}
		topics := &fakeVoiceTopics{topics: map[string]*models.Topic{"ai-news": dialogueTopicRow()}}
		transcoder := &fakeTranscoder{probeErr: errors.New("probe failed")}

		engine := NewEngine(digests, topics, &fakeSynth{}, defaultMeta(), transcoder, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsFailed)
		assert.Empty(t, digests.commits)
	})

	t.Run("list failure aborts the run", func(t *testing.T) {
		digests := &fakeDigestSource{listErr: errors.New("connection refused")}
		engine := NewEngine(digests, &fakeVoiceTopics{}, &fakeSynth{}, defaultMeta(), &fakeTranscoder{}, testEngineConfig(t), discardLogger())

		_, err := engine.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list digests")
	})

	t.Run("no pending digests is a clean no-op", func(t *testing.T) {
		engine := NewEngine(&fakeDigestSource{}, &fakeVoiceTopics{}, &fakeSynth{}, defaultMeta(), &fakeTranscoder{}, testEngineConfig(t), discardLogger())
		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.DigestsRendered)
		assert.Zero(t, res.DigestsFailed)
	})
}
