// Package cli holds the command tree of the backend binary.
package cli

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/empath/backend/internal/config"
)

// Dependencies are resolved once before any command runs.
type Dependencies struct {
	Config *config.Config
}

// NewRootCmd builds the command tree. Running it without a subcommand serves HTTP.
func NewRootCmd(deps *Dependencies) *cobra.Command {
	serveCmd := NewServeCmd(deps)

	rootCmd := &cobra.Command{
		Use:           "empath",
		Short:         "Real-time multimodal affect pipeline",
		Long:          "Samples facial frames and chat text, fuses them into one emotional state per session, and answers with empathetic replies.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if deps.Config != nil {
				return nil
			}
			if err := godotenv.Load(); err != nil {
				log.Printf("warning: failed to load .env file: %v", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			deps.Config = cfg
			return nil
		},
		RunE: serveCmd.RunE,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(NewClassifyCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))

	return rootCmd
}
