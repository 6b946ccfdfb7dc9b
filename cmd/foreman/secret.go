package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/vault"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted secrets",
		Long: `Secrets are sealed with a key derived from FOREMAN_VAULT_PASSPHRASE
(or vault.passphrase in the config). Reference them from the config as
"secret:<name>", for example llm.api_key: secret:anthropic.`,
	}
	cmd.AddCommand(
		newSecretListCmd(),
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretDeleteCmd(),
	)
	return cmd
}

// withKeyring opens the store and vault for one secret command.
func withKeyring(cmd *cobra.Command, fn func(k *vault.Keyring) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	passphrase := cfg.Vault.Passphrase
	if passphrase == "" {
		passphrase, err = promptPassphrase()
		if err != nil {
			return err
		}
	}
	v, err := vault.New(passphrase)
	if err != nil {
		return err
	}

	db, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(vault.NewKeyring(db, v))
}

func promptPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("FOREMAN_VAULT_PASSPHRASE environment variable is required")
	}
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(p) == 0 {
		return "", fmt.Errorf("passphrase is empty")
	}
	return string(p), nil
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets (metadata only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeyring(cmd, func(k *vault.Keyring) error {
				secrets, err := k.List(cmd.Context())
				if err != nil {
					return err
				}
				return printSecrets(cmd.OutOrStdout(), secrets)
			})
		},
	}
}

func printSecrets(out io.Writer, secrets []store.Secret) error {
	if len(secrets) == 0 {
		fmt.Fprintln(out, "No secrets stored.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func newSecretSetCmd() *cobra.Command {
	var value, file, description string

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret from --value, --file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := secretValue(cmd.InOrStdin(), value, file)
			if err != nil {
				return err
			}
			return withKeyring(cmd, func(k *vault.Keyring) error {
				if err := k.Put(cmd.Context(), args[0], description, data); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %q saved\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value")
	cmd.Flags().StringVar(&file, "file", "", "read the secret from a file")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.MarkFlagsMutuallyExclusive("value", "file")
	return cmd
}

func secretValue(stdin io.Reader, value, file string) ([]byte, error) {
	switch {
	case value != "":
		return []byte(value), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, fmt.Errorf("expected --value, --file or data on stdin")
	}
	return data, nil
}

func newSecretGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Decrypt and print a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyring(cmd, func(k *vault.Keyring) error {
				plaintext, err := k.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = out.Write(plaintext)
				if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyring(cmd, func(k *vault.Keyring) error {
				if err := k.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %q deleted\n", args[0])
				return nil
			})
		},
	}
}
