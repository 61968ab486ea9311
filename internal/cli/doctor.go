package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/empath/backend/internal/analysis/fusion"
	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

// NewDoctorCmd reports which collaborators the current environment enables.
func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			out := cmd.OutOrStdout()
			ok := true

			check(out, "Listen address", true, cfg.Server.Addr)

			if _, err := fusion.DecayByName(cfg.Affect.Decay, cfg.Affect.StalenessWindow); err != nil {
				check(out, "Fusion", false, err.Error())
				ok = false
			} else {
				check(out, "Fusion", true, fmt.Sprintf("%s decay over %s, sampling every %s",
					cfg.Affect.Decay, cfg.Affect.StalenessWindow, cfg.Affect.SampleInterval))
			}

			if cfg.Classifier.FacialURL != "" {
				check(out, "Facial classifier", true, cfg.Classifier.FacialURL)
			} else {
				check(out, "Facial classifier", false, "not set. Set FACIAL_CLASSIFIER_URL")
				ok = false
			}

			textChain := "keyword heuristic"
			if cfg.Classifier.LLMEnabled && cfg.AI.Enabled() {
				textChain = "llm, " + textChain
			}
			if cfg.Classifier.TextURL != "" {
				textChain = cfg.Classifier.TextURL + ", " + textChain
			}
			check(out, "Text classifier", true, textChain)

			if cfg.AI.Enabled() {
				check(out, "Reply composer", true, "ark model "+cfg.AI.Model)
			} else {
				check(out, "Reply composer", false, "not set. Set ARK_API_KEY and Model; replies use the fallback")
			}

			if cfg.Speech.Enabled {
				check(out, "Speech", true, "voice "+cfg.Speech.TTSVoice)
			} else {
				check(out, "Speech", false, "not set. Set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN for voice turns")
			}

			if _, err := telemetry.ParseExporter(cfg.Telemetry.Exporter); err != nil {
				check(out, "Telemetry", false, err.Error())
				ok = false
			} else {
				check(out, "Telemetry", true, "exporter "+cfg.Telemetry.Exporter)
			}

			if ok {
				fmt.Fprintln(out, "\nReady to serve.")
			} else {
				fmt.Fprintln(out, "\nSome required settings are missing.")
			}
			return nil
		},
	}
}

func check(out io.Writer, name string, ok bool, detail string) {
	mark := "✓"
	if !ok {
		mark = "✗"
	}
	fmt.Fprintf(out, "%s %s: %s\n", mark, name, detail)
}
