package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/taskcal/taskcal/internal/config"
	"github.com/taskcal/taskcal/internal/ui"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "advanced",
	Short:   "Authorize access to Google Calendar",
	Long: `Authorize taskcal to manage events in your Google Calendar.

Download an OAuth client (type "Desktop app") from the Google Cloud console
and save it as calendar.credentials_file. This command prints a consent URL,
waits for the browser to redirect back to localhost, and stores the token
in calendar.token_file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tokens := tokenStore(cfg)
		if err := tokens.Authorize(cmd.Context(), cmd.OutOrStdout()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Token saved to %s\n", ui.RenderPass("✓"), tokens.TokenFile)
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "advanced",
	Short:   "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.ProjectConfigPath()
		}
		if err := config.WriteDefault(path); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s already exists", path)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authCmd, initCmd)
}
