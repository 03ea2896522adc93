package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/audio"
	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/pipeline"
	"github.com/briefcast/briefcast/pkg/tts"
)

// TestNarrativeDigestEndToEnd walks one episode through every phase: feed
// discovery over HTTP, audio acquisition and chunking, chunked transcription,
// scoring, composition, synthesis, and publication to the release store.
func TestNarrativeDigestEndToEnd(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	const guid = "tech-weekly-042"
	srv := newFeedServer(t, "Tech Weekly", "Episode 42: Model Releases", guid, time.Now().Add(-24*time.Hour))
	p.seedFeed("Tech Weekly", srv.URL+"/feed.xml")
	p.seedTopic("ai-news", "AI News")

	// One hour of source audio in three-minute chunks makes 20 chunks.
	transcoder := newFakeTranscoder(3600)
	sttProvider := newFakeSTT()
	synth := newFakeSynthesizer()
	releases := newFakeReleaseStore()

	const narrativeScript = "Welcome to the AI News digest. Three stories matter today. " +
		"First, a new model family shipped with longer context windows. " +
		"Second, inference prices dropped again. " +
		"Third, the evaluation suites everyone argues about are consolidating."
	model := &scriptedLLM{complete: func(req llm.Request) (string, error) {
		if req.ResponseSchema != nil {
			return `{"AI News": 0.9}`, nil
		}
		return narrativeScript, nil
	}}

	runID, res := p.run(ctx, p.fullPhases(transcoder, sttProvider, model, synth, releases), 30*time.Minute)
	require.Equal(t, 7, res.PhasesRun)
	require.Zero(t, res.PhasesFailed)

	run, err := p.stores.Runs.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Conclusion)
	require.Contains(t, *run.Conclusion, "7 phases completed")
	require.Len(t, run.Phases, 14) // starting plus completed per phase

	ep := p.episodeByGUID(guid)
	require.Equal(t, models.EpisodeStatusDigested, ep.Status)
	require.NotNil(t, ep.ChunkCount)
	require.Equal(t, 20, *ep.ChunkCount)
	require.Equal(t, map[string]float64{"AI News": 0.9}, ep.Scores)
	require.Equal(t, 20, sttProvider.callCount())

	// Chunk texts landed in order, separated by single spaces.
	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprintf("spoken text from chunk_%03d", i)
	}
	require.NotNil(t, ep.TranscriptContent)
	require.Equal(t, strings.Join(want, " "), *ep.TranscriptContent)

	published, err := p.stores.Digests.ListByStatus(ctx, models.DigestStatusPublished)
	require.NoError(t, err)
	require.Len(t, published, 1)
	d := published[0]
	require.Equal(t, "ai-news", d.Topic)
	require.Equal(t, narrativeScript, d.ScriptContent)
	require.Equal(t, []int64{ep.ID}, d.EpisodeIDs)
	require.Equal(t, 1, d.EpisodeCount)
	require.InDelta(t, 0.9, d.AverageScore, 1e-9)
	require.NotNil(t, d.MP3DurationSeconds)
	require.InDelta(t, 300, *d.MP3DurationSeconds, 1e-9)

	tag := models.ReleaseTag("digests", d.DigestDate)
	require.NotNil(t, d.PublishedURL)
	require.Equal(t, "https://releases.example.com/"+tag+"/"+d.AssetName(), *d.PublishedURL)
	require.NotNil(t, d.PublishedAt)
	require.Equal(t, []string{d.AssetName()}, releases.uploadedNames())

	// The local copy is reclaimed once the release store has the asset.
	require.Nil(t, d.MP3Path)
	require.Empty(t, p.mp3Files())
}

// TestSynthesisResumeAfterFailure plans a transient provider failure on the
// third dialogue chunk, then re-runs synthesis and checks that the first two
// chunks are not paid for twice and the final MP3 carries all six in order.
func TestSynthesisResumeAfterFailure(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	p.seedDialogueTopic("dev-dialogues", "Dev Dialogues")

	turns := []string{
		"SPEAKER_1: [warm] Welcome back to Dev Dialogues, the show where we unpack the week in developer tooling with just enough skepticism to keep it honest.",
		"SPEAKER_2: [amused] And what a week. A new build system promises to end all build systems, which is what the last three promised before they joined the graveyard.",
		"SPEAKER_1: Fair, but this one ships remote caching out of the box, and the early numbers from the monorepo crowd look real rather than cherry picked.",
		"SPEAKER_2: Caching is where teams actually bleed hours on cold builds. If the hit rate holds in real repositories, the migration cost might be worth paying.",
		"SPEAKER_1: [thoughtful] The other thread worth pulling is the registry outage postmortem. Four hours of global downtime traced back to one expired certificate.",
		"SPEAKER_2: [dry] Somewhere a calendar reminder feels unappreciated. Renewals stay a solved problem right until the person who solved them changes jobs.",
	}
	script := strings.Join(turns, "\n")

	// Every turn fits the cap alone and no two fit together, so chunking is
	// one turn per chunk.
	const maxChunkChars = 220
	chunks, err := tts.SplitDialogue(script, maxChunkChars)
	require.NoError(t, err)
	require.Len(t, chunks, len(turns))
	keys := make([]string, len(chunks))
	for i, c := range chunks {
		keys[i] = dialogueRenderKey(c.Text)
	}

	d := p.seedGeneratedDigest("dev-dialogues", script)
	workDir := filepath.Join(p.layout.TmpDir, fmt.Sprintf("digest_%d", d.ID))

	synth := newFakeSynthesizer()
	synth.failOnCall(3, errSynthOverloaded)
	engine := p.ttsEngine(synth, newFakeTranscoder(0), maxChunkChars)

	res1, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, res1.DigestsRendered)
	require.Equal(t, 1, res1.DigestsFailed)

	// The failed run leaves the digest untouched and the work dir behind,
	// with the two rendered chunks recorded for resume.
	mid := p.digestByID(d.ID)
	require.Equal(t, models.DigestStatusGenerated, mid.Status)
	require.Nil(t, mid.MP3Path)
	require.FileExists(t, filepath.Join(workDir, "chunk_001.mp3"))
	require.FileExists(t, filepath.Join(workDir, "chunk_002.mp3"))
	require.NoFileExists(t, filepath.Join(workDir, "chunk_003.mp3"))

	var prog struct {
		DigestID  int64 `json:"digest_id"`
		Completed []int `json:"completed"`
	}
	data, err := os.ReadFile(filepath.Join(workDir, "progress.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &prog))
	require.Equal(t, d.ID, prog.DigestID)
	require.Equal(t, []int{1, 2}, prog.Completed)

	res2, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res2.DigestsRendered)
	require.Zero(t, res2.DigestsFailed)

	done := p.digestByID(d.ID)
	require.Equal(t, models.DigestStatusAudioGenerated, done.Status)
	require.NotNil(t, done.MP3Path)
	require.NotNil(t, done.MP3DurationSeconds)
	require.InDelta(t, 300, *done.MP3DurationSeconds, 1e-9)
	require.NoDirExists(t, workDir)

	// Only the chunk that failed was rendered twice: 3 calls in the first
	// run, 4 in the second.
	require.Equal(t, 7, synth.callCount())
	for i, key := range keys {
		wantCalls := 1
		if i == 2 {
			wantCalls = 2
		}
		require.Equalf(t, wantCalls, synth.callsFor(key), "render calls for chunk %d", i+1)
	}

	final, err := os.ReadFile(*done.MP3Path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(final), 10<<10)
	offset := 0
	for i, key := range keys {
		idx := bytes.Index(final[offset:], []byte(key))
		require.GreaterOrEqualf(t, idx, 0, "chunk %d missing or out of order in final MP3", i+1)
		offset += idx + len(key)
	}
}

// TestTranscriptionAcceptsPartialChunks drops 3 of 20 chunks at the decode
// check and expects the episode to transcribe from the surviving 17, which
// clears the 70 percent floor.
func TestTranscriptionAcceptsPartialChunks(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	feed := p.seedFeed("Daily Signal", "https://feeds.example.com/daily.xml")
	ep := p.seedPendingEpisode(feed, "signal-207", "Episode 207")
	cachePath := p.cacheAudio(feed, ep)

	transcoder := newFakeTranscoder(3600)
	transcoder.failDecode("chunk_001.mp3", "chunk_004.mp3", "chunk_010.mp3")

	audioRes, err := p.audioEngine(transcoder).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, audioRes.EpisodesProcessed)
	require.Zero(t, audioRes.EpisodesFailed)
	require.Equal(t, 17, audioRes.ChunksCreated)

	dir := p.chunkDir(cachePath)
	require.Equal(t, 17, audio.CountChunks(dir))
	require.NoFileExists(t, filepath.Join(dir, "chunk_001.mp3"))

	mid := p.episodeByGUID(ep.EpisodeGUID)
	require.Equal(t, models.EpisodeStatusPending, mid.Status)
	require.NotNil(t, mid.AudioPath)
	require.Equal(t, cachePath, *mid.AudioPath)
	require.NotNil(t, mid.ChunkCount)
	require.Equal(t, 17, *mid.ChunkCount)

	sttProvider := newFakeSTT()
	res, err := p.transcribeEngine(sttProvider).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.EpisodesTranscribed)
	require.Zero(t, res.EpisodesFailed)
	require.Zero(t, res.ChunksFailed)
	require.Equal(t, 17, sttProvider.callCount())

	// The transcript is the surviving chunks in order; the dropped ones
	// leave no gap markers.
	dropped := map[int]bool{1: true, 4: true, 10: true}
	var want []string
	for i := 0; i < 20; i++ {
		if dropped[i] {
			continue
		}
		want = append(want, fmt.Sprintf("spoken text from chunk_%03d", i))
	}
	got := p.episodeByGUID(ep.EpisodeGUID)
	require.Equal(t, models.EpisodeStatusTranscribed, got.Status)
	require.NotNil(t, got.TranscriptContent)
	require.Equal(t, strings.Join(want, " "), *got.TranscriptContent)
	require.NotNil(t, got.TranscriptWordCount)
	require.Equal(t, 68, *got.TranscriptWordCount)
	require.NotNil(t, got.ChunkCount)
	require.Equal(t, 17, *got.ChunkCount)
}

// TestTranscriptionRejectsBelowFloor fails 15 of 20 chunks permanently. The
// worker stops as soon as the floor is out of reach, the episode keeps
// retrying across runs without ever holding a partial transcript, and the
// third failure parks it as failed.
func TestTranscriptionRejectsBelowFloor(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	feed := p.seedFeed("Night Owl", "https://feeds.example.com/owl.xml")
	ep := p.seedPendingEpisode(feed, "owl-330", "Episode 330")
	p.placeChunks(feed, ep, 20)

	sttProvider := newFakeSTT()
	perm := models.Permanent("corrupt audio stream", errors.New("decoder aborted"))
	for i := 0; i < 15; i++ {
		sttProvider.failChunk(fmt.Sprintf("chunk_%03d.mp3", i), perm)
	}

	engine := p.transcribeEngine(sttProvider)
	for attempt := 1; attempt <= models.MaxEpisodeFailures; attempt++ {
		res, err := engine.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.EpisodesFailed)
		require.Zero(t, res.EpisodesTranscribed)

		// With the first 15 chunks failing, the floor of 14 valid chunks is
		// provably out of reach after the seventh failure. No further STT
		// spend, and permanent errors burn no retries.
		require.Equal(t, 7, res.ChunksFailed)
		require.Equal(t, 7*attempt, sttProvider.callCount())

		got := p.episodeByGUID(ep.EpisodeGUID)
		require.Equal(t, attempt, got.FailureCount)
		require.Nil(t, got.TranscriptContent)
		require.NotNil(t, got.FailureReason)
		require.Equal(t, "insufficient valid chunks", *got.FailureReason)
		if attempt < models.MaxEpisodeFailures {
			require.Equal(t, models.EpisodeStatusPending, got.Status)
		} else {
			require.Equal(t, models.EpisodeStatusFailed, got.Status)
		}
	}

	// Failed is terminal: another run selects nothing.
	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, res.EpisodesFailed)
	require.Equal(t, 21, sttProvider.callCount())
}

// TestComposeHealsDialogueLabels has the model answer with invented speaker
// names and expects the stored script rewritten to canonical labels that all
// resolve to configured voices.
func TestComposeHealsDialogueLabels(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	p.seedDialogueTopic("security-watch", "Security Watch")
	feed := p.seedFeed("Security Watch Feed", "https://feeds.example.com/secwatch.xml")
	ep := p.seedPendingEpisode(feed, "secwatch-118", "Episode 118")
	p.walkToTranscribed(ep, "a long discussion about zero days and patch windows.", 3)
	require.NoError(t, p.stores.Episodes.SetScores(ctx, ep.EpisodeGUID, map[string]float64{"Security Watch": 0.92}))

	rawScript := strings.Join([]string{
		"Maya: [excited] Welcome to Security Watch, I am Maya and Jules is here with me as always.",
		"Jules: [calm] Good to be here. The week gave us one actively exploited zero day and a very quiet Tuesday.",
		"Maya: Quiet Tuesdays make me nervous. Walk us through the zero day first.",
		"Jules: It lives in the session handling layer, and the vendor shipped a patch within forty eight hours.",
	}, "\n")
	model := &scriptedLLM{complete: func(llm.Request) (string, error) {
		return rawScript, nil
	}}

	res, err := p.composer(model).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.DigestsCreated)
	require.Zero(t, res.TopicsSkipped)

	digests, err := p.stores.Digests.ListByStatus(ctx, models.DigestStatusGenerated)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	d := digests[0]
	require.Equal(t, "security-watch", d.Topic)

	// Names map to canonical labels in order of first appearance, with the
	// audio tags and the spoken text untouched.
	wantScript := strings.Join([]string{
		"SPEAKER_1: [excited] Welcome to Security Watch, I am Maya and Jules is here with me as always.",
		"SPEAKER_2: [calm] Good to be here. The week gave us one actively exploited zero day and a very quiet Tuesday.",
		"SPEAKER_1: Quiet Tuesdays make me nervous. Walk us through the zero day first.",
		"SPEAKER_2: It lives in the session handling layer, and the vendor shipped a patch within forty eight hours.",
	}, "\n")
	require.Equal(t, wantScript, d.ScriptContent)

	// Every line of the stored script resolves to a configured voice, so
	// synthesis will not drop any of it.
	topic, err := p.stores.Topics.GetBySlug(ctx, "security-watch")
	require.NoError(t, err)
	chunks, err := tts.SplitDialogue(d.ScriptContent, 500)
	require.NoError(t, err)
	for _, c := range chunks {
		for _, line := range tts.ParseLines(c.Text) {
			voice, ok := topic.VoiceConfig[line.Speaker]
			require.Truef(t, ok, "speaker %q has no voice binding", line.Speaker)
			require.NotEmpty(t, voice.VoiceID)
		}
	}

	require.Equal(t, []int64{ep.ID}, d.EpisodeIDs)
	require.InDelta(t, 0.92, d.AverageScore, 1e-9)
	require.Equal(t, models.EpisodeStatusDigested, p.episodeByGUID(ep.EpisodeGUID).Status)
}

// TestStuckEpisodeRecovery restarts the pipeline after a simulated crash: one
// episode sits in processing with no transcript, another already finished.
// The stuck one is reset and redone from scratch; the finished one is neither
// re-transcribed nor re-billed.
func TestStuckEpisodeRecovery(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	feed := p.seedFeed("Morning Brew", "https://feeds.example.com/morning.xml")
	p.seedTopic("morning-brew", "Morning Brew")

	// Episode A: the dead run marked it processing and wrote nothing.
	epA := p.seedPendingEpisode(feed, "brew-010", "Episode 10")
	dirA := p.placeChunks(feed, epA, 4)
	require.NoError(t, p.stores.Episodes.MarkProcessing(ctx, epA.EpisodeGUID))

	// Episode B finished transcription before the crash.
	const transcriptB = "the hosts cover three stories about coffee futures markets."
	epB := p.seedPendingEpisode(feed, "brew-011", "Episode 11")
	dirB := p.placeChunks(feed, epB, 3)
	p.walkToTranscribed(epB, transcriptB, 3)

	sttProvider := newFakeSTT()
	model := &scriptedLLM{complete: func(req llm.Request) (string, error) {
		if req.ResponseSchema != nil {
			return `{"Morning Brew": 0.9}`, nil
		}
		return "Good morning. Futures rallied and the roasters noticed.", nil
	}}

	// Age A's processing row past the stuck threshold.
	time.Sleep(300 * time.Millisecond)

	phases := []pipeline.Phase{
		enginePhase(models.PhaseTranscribe, false, func(ctx context.Context) error {
			_, err := p.transcribeEngine(sttProvider).Run(ctx)
			return err
		}),
		enginePhase(models.PhaseScore, false, func(ctx context.Context) error {
			_, err := p.scoreEngine(model).Run(ctx)
			return err
		}),
		enginePhase(models.PhaseCompose, false, func(ctx context.Context) error {
			_, err := p.composer(model).Run(ctx)
			return err
		}),
	}
	runID, res := p.run(ctx, phases, 50*time.Millisecond)
	require.Equal(t, 3, res.PhasesRun)
	require.Zero(t, res.PhasesFailed)

	run, err := p.stores.Runs.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, run.Status)

	// A was reset to pending, re-transcribed from its chunks, and digested
	// without counting as a failure.
	a := p.episodeByGUID(epA.EpisodeGUID)
	require.Equal(t, models.EpisodeStatusDigested, a.Status)
	require.Zero(t, a.FailureCount)
	wantA := make([]string, 4)
	for i := range wantA {
		wantA[i] = fmt.Sprintf("spoken text from chunk_%03d", i)
	}
	require.NotNil(t, a.TranscriptContent)
	require.Equal(t, strings.Join(wantA, " "), *a.TranscriptContent)
	require.Equal(t, 4, sttProvider.callsUnder(dirA))

	// B's transcript survived untouched and none of its chunks were re-sent.
	b := p.episodeByGUID(epB.EpisodeGUID)
	require.Equal(t, models.EpisodeStatusDigested, b.Status)
	require.NotNil(t, b.TranscriptContent)
	require.Equal(t, transcriptB, *b.TranscriptContent)
	require.Zero(t, sttProvider.callsUnder(dirB))

	digests, err := p.stores.Digests.ListByStatus(ctx, models.DigestStatusGenerated)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	require.Equal(t, 2, digests[0].EpisodeCount)
	require.ElementsMatch(t, []int64{a.ID, b.ID}, digests[0].EpisodeIDs)
}
