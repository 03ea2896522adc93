package models

import "encoding/json"

// Phase names as they appear in run history and phase JSON results.
const (
	PhaseDiscovery  = "discovery"
	PhaseAudio      = "audio"
	PhaseTranscribe = "transcribe"
	PhaseScore      = "score"
	PhaseCompose    = "compose"
	PhaseSynthesize = "synthesize"
	PhasePublish    = "publish"
	PhaseRetention  = "retention"
)

// PhaseOrder is the fixed execution order of the pipeline.
var PhaseOrder = []string{
	PhaseDiscovery,
	PhaseAudio,
	PhaseTranscribe,
	PhaseScore,
	PhaseCompose,
	PhaseSynthesize,
	PhasePublish,
	PhaseRetention,
}

// PhaseResult is the single JSON line a phase prints on stdout for the
// orchestrator to consume.
type PhaseResult struct {
	Success bool
	Phase   string
	Error   string
	Counts  map[string]int
}

// MarshalJSON flattens Counts beside the fixed success/phase/error keys.
func (r PhaseResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Counts)+3)
	for k, v := range r.Counts {
		out[k] = v
	}
	out["success"] = r.Success
	out["phase"] = r.Phase
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}
