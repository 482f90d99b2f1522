package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/energizer-project/botlink/internal/config"
)

func validateCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			result := config.Validate(cfg)
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "warning: %s: %s\n", w.Field, w.Message)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(out, "error:   %s: %s\n", e.Field, e.Message)
			}

			if !result.IsValid() {
				return fmt.Errorf("%s: %d error(s)", cfg.Path(), len(result.Errors))
			}
			fmt.Fprintf(out, "%s: %d session(s), configuration OK\n", cfg.Path(), len(cfg.GetSessions()))
			return nil
		},
	}
}
