package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/foreman/internal/classifier"
	"github.com/mtzanidakis/foreman/internal/llm"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

func newClassifyCmd() *cobra.Command {
	var subject, clientID string

	cmd := &cobra.Command{
		Use:   "classify [content|-]",
		Short: "Classify a request and print the plan as JSON without persisting it",
		Long: `Classify sends the request to the configured model and prints the
normalized classification. Pass "-" or no argument to read the content
from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			db, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer db.Close()

			var clientContext string
			if clientID != "" {
				c, err := db.GetClient(ctx, clientID)
				if err != nil {
					return fmt.Errorf("get client: %w", err)
				}
				if c == nil {
					return fmt.Errorf("client %q not found", clientID)
				}
				clientContext = workflow.FormatClient(c)
			}

			_, keyring, err := openVault(cfg.Vault, db)
			if err != nil {
				return err
			}
			var opts []llm.Option
			if keyring != nil {
				opts = append(opts, llm.WithKeyResolver(keyring))
			}

			cls := classifier.New(llm.New(cfg.LLM, opts...), classifier.Options{})
			rc, err := cls.Classify(ctx, content, subject, clientContext)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rc)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "request subject")
	cmd.Flags().StringVar(&clientID, "client", "", "client id whose profile is added as context")
	return cmd
}

func readContent(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		content := strings.TrimSpace(args[0])
		if content == "" {
			return "", fmt.Errorf("content is empty")
		}
		return content, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", fmt.Errorf("content is empty")
	}
	return content, nil
}
