package commands

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "rpahub"
	keyringToken   = "api-token"
)

// newLoginCmd creates `rpahub login`: store the API auth token in the
// OS keyring so it never sits in a config file.
func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API auth token in the OS keyring",
		Long: `Prompt for the API auth token and store it in the operating system
keyring. Processes pick it up automatically when API_AUTH_TOKEN is not
set. Use --clear to remove it.`,
		RunE: runLogin,
	}
	cmd.Flags().Bool("clear", false, "remove the stored token")
	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	if clear, _ := cmd.Flags().GetBool("clear"); clear {
		if err := keyring.Delete(keyringService, keyringToken); err != nil {
			return fmt.Errorf("clear token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token cleared.")
		return nil
	}

	fmt.Fprint(cmd.OutOrStdout(), "API auth token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("token must not be empty")
	}

	if err := keyring.Set(keyringService, keyringToken, string(raw)); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Token stored in the OS keyring.")
	return nil
}

// tokenFromKeyring returns the stored API token, or empty when the
// keyring has none.
func tokenFromKeyring() string {
	token, err := keyring.Get(keyringService, keyringToken)
	if err != nil {
		return ""
	}
	return token
}
