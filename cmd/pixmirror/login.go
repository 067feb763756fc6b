package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmcdole/pixmirror/internal/adapter"
	"github.com/mmcdole/pixmirror/internal/adapter/source"
	"github.com/mmcdole/pixmirror/internal/adapter/source/pixiv"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a pixiv refresh token",
	Long: `login reads a refresh token from the terminal without echoing it,
checks it against pixiv and writes it to credential.token_file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Credential.TokenFile == "" {
			return errors.New("credential.token_file is not set")
		}

		src, err := source.NewClient(&cfg.Source, logger)
		if err != nil {
			return fmt.Errorf("failed to create source client: %w", err)
		}

		_, token, err := pixiv.NewLoginFlow(src, logger).Run(cmd.Context())
		if err != nil {
			return err
		}

		file := adapter.NewFileCredential(cfg.Credential.TokenFile, logger)
		if err := file.Save(token); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Token saved to %s\n", file.Path())
		if cfg.Credential.Token != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "  Note: credential.token is set and takes precedence over the token file")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
