package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
)

// NewClassifyCmd runs one classifier call outside any session.
func NewClassifyCmd(deps *Dependencies) *cobra.Command {
	classifyCmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a single utterance or image",
	}

	var asJSON bool
	classifyCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the reading as JSON")

	classifyCmd.AddCommand(&cobra.Command{
		Use:   "text <utterance>",
		Short: "Classify the emotion of an utterance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(cmd.Context(), deps.Config)
			if err != nil {
				return err
			}
			reading, err := svc.text.Classify(cmd.Context(), classifier.Input{Text: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			return printReading(cmd, reading, asJSON)
		},
	})

	classifyCmd.AddCommand(&cobra.Command{
		Use:   "image <path>",
		Short: "Classify the facial expression in an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(cmd.Context(), deps.Config)
			if err != nil {
				return err
			}
			if err := svc.requireFacial(); err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			normalized, err := svc.normalizer.Normalize(cmd.Context(), raw)
			if err != nil {
				return err
			}
			reading, err := svc.facial.Classify(cmd.Context(), classifier.Input{
				Image:       normalized,
				ContentType: contentTypeFor(args[0], deps.Config.Affect.Preprocess),
			})
			if err != nil {
				return err
			}
			return printReading(cmd, reading, asJSON)
		},
	})

	return classifyCmd
}

func printReading(cmd *cobra.Command, r emotion.Reading, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err := fmt.Fprintf(out, "%s\t%.2f\t(family: %s)\n", r.Label, r.Confidence, emotion.Family(r.Label))
	return err
}

// contentTypeFor guesses the upload type. Preprocessed frames are always JPEG.
func contentTypeFor(path string, preprocessed bool) string {
	if preprocessed {
		return "image/jpeg"
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
