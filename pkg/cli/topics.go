package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/briefcast/briefcast/pkg/models"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Manage the topic catalog",
}

var topicsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert topics from a YAML catalog file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopicsImport,
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active topics",
	Args:  cobra.NoArgs,
	RunE:  runTopicsList,
}

func init() {
	rootCmd.AddCommand(topicsCmd)
	topicsCmd.AddCommand(topicsImportCmd, topicsListCmd)
}

// topicFile is the YAML catalog layout for topics import.
type topicFile struct {
	Topics []topicEntry `yaml:"topics"`
}

type topicEntry struct {
	Slug           string                `yaml:"slug"`
	Name           string                `yaml:"name"`
	Description    string                `yaml:"description"`
	VoiceID        string                `yaml:"voice_id"`
	VoiceSettings  map[string]any        `yaml:"voice_settings"`
	InstructionsMD string                `yaml:"instructions_md"`
	Active         *bool                 `yaml:"is_active"`
	SortOrder      int                   `yaml:"sort_order"`
	UseDialogueAPI bool                  `yaml:"use_dialogue_api"`
	DialogueModel  string                `yaml:"dialogue_model"`
	VoiceConfig    map[string]voiceEntry `yaml:"voice_config"`
}

type voiceEntry struct {
	VoiceID string `yaml:"voice_id"`
	Name    string `yaml:"name"`
}

// parseTopicFile decodes and validates a topic catalog. An omitted
// is_active defaults to true so a minimal catalog does not silently
// deactivate its topics.
func parseTopicFile(data []byte) ([]models.UpsertTopicRequest, error) {
	var file topicFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse topic catalog: %w", err)
	}
	if len(file.Topics) == 0 {
		return nil, models.NewConfigError("topics", "catalog has no topics")
	}

	reqs := make([]models.UpsertTopicRequest, 0, len(file.Topics))
	seen := make(map[string]bool, len(file.Topics))
	for i, t := range file.Topics {
		if t.Slug == "" {
			return nil, models.NewConfigError(fmt.Sprintf("topics[%d].slug", i), "required")
		}
		if seen[t.Slug] {
			return nil, models.NewConfigError(fmt.Sprintf("topics[%d].slug", i),
				fmt.Sprintf("duplicate slug %q", t.Slug))
		}
		seen[t.Slug] = true
		if t.Name == "" {
			return nil, models.NewConfigError(fmt.Sprintf("topics[%d].name", i), "required")
		}

		if t.UseDialogueAPI {
			for _, speaker := range []string{models.Speaker1, models.Speaker2} {
				if t.VoiceConfig[speaker].VoiceID == "" {
					return nil, models.NewConfigError(
						fmt.Sprintf("topics[%d].voice_config.%s", i, speaker),
						"dialogue topics need a voice_id per speaker")
				}
			}
		} else if t.VoiceID == "" {
			return nil, models.NewConfigError(fmt.Sprintf("topics[%d].voice_id", i),
				"single-voice topics need a voice_id")
		}

		active := true
		if t.Active != nil {
			active = *t.Active
		}
		var voices map[string]models.SpeakerVoice
		if len(t.VoiceConfig) > 0 {
			voices = make(map[string]models.SpeakerVoice, len(t.VoiceConfig))
			for speaker, v := range t.VoiceConfig {
				voices[speaker] = models.SpeakerVoice{VoiceID: v.VoiceID, Name: v.Name}
			}
		}

		reqs = append(reqs, models.UpsertTopicRequest{
			Slug:           t.Slug,
			Name:           t.Name,
			Description:    t.Description,
			VoiceID:        t.VoiceID,
			VoiceSettings:  t.VoiceSettings,
			InstructionsMD: t.InstructionsMD,
			IsActive:       active,
			SortOrder:      t.SortOrder,
			UseDialogueAPI: t.UseDialogueAPI,
			DialogueModel:  t.DialogueModel,
			VoiceConfig:    voices,
		})
	}
	return reqs, nil
}

func runTopicsImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read topic catalog: %w", err)
	}
	reqs, err := parseTopicFile(data)
	if err != nil {
		return err
	}

	a, err := bootstrapAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, req := range reqs {
		topic, err := a.stores.Topics.Upsert(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to upsert topic %s: %w", req.Slug, err)
		}
		a.logger.Info("Topic imported", "slug", topic.Slug, "active", topic.IsActive)
	}
	fmt.Printf("Imported %d topics\n", len(reqs))
	return nil
}

func runTopicsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrapAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	topics, err := a.stores.Topics.ListActive(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tNAME\tMODE\tSORT")
	for _, t := range topics {
		mode := "single"
		if t.UseDialogueAPI {
			mode = "dialogue"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.Slug, t.Name, mode, t.SortOrder)
	}
	return w.Flush()
}
