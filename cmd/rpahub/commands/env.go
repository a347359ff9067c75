package commands

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// newEnvCmd creates `rpahub env`: direct env binding management for
// operators with database access.
func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage robot env bindings",
		Long: `Set, list and delete the config and secret values injected into a
robot's child process per environment (PROD, HML, TEST). Values are
encrypted at rest; secret values are prompted without echo.

Examples:
  rpahub env set 4f0c... PROD API_KEY --secret
  rpahub env set 4f0c... TEST BASE_URL --value https://sandbox.example.com
  rpahub env list 4f0c... PROD
  rpahub env delete 4f0c... PROD API_KEY`,
	}
	cmd.AddCommand(newEnvSetCmd(), newEnvListCmd(), newEnvDeleteCmd())
	return cmd
}

func newEnvSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <robot-id> <env> <key>",
		Short: "Set one env binding",
		Args:  cobra.ExactArgs(3),
		RunE:  runEnvSet,
	}
	cmd.Flags().String("value", "", "plain value (omit to prompt without echo)")
	cmd.Flags().Bool("secret", false, "mark the value as secret (redacted in the API)")
	return cmd
}

func runEnvSet(cmd *cobra.Command, args []string) error {
	robotID, envName, key := args[0], args[1], strings.TrimSpace(args[2])
	if !store.ValidEnvName(envName) {
		return fmt.Errorf("unknown env %q (PROD, HML or TEST)", envName)
	}
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ciph, err := rt.requireCipher()
	if err != nil {
		return err
	}
	if _, err := rt.st.GetRobot(robotID); err != nil {
		return err
	}

	value, _ := cmd.Flags().GetString("value")
	if value == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Value for %s: ", key)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return fmt.Errorf("read value: %w", err)
		}
		value = string(raw)
	}

	sealed, err := ciph.Encrypt(value)
	if err != nil {
		return err
	}
	secret, _ := cmd.Flags().GetBool("secret")
	now := time.Now().UTC()

	binding := &store.EnvBinding{
		RobotID:   robotID,
		EnvName:   envName,
		Key:       key,
		Value:     sealed,
		IsSecret:  secret,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rt.st.UpsertEnvBinding(binding); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s for robot %s\n", key, envName, robotID)
	return nil
}

func newEnvListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <robot-id> <env>",
		Short: "List env bindings (secrets redacted)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			robotID, envName := args[0], args[1]
			if !store.ValidEnvName(envName) {
				return fmt.Errorf("unknown env %q (PROD, HML or TEST)", envName)
			}

			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			bindings, err := rt.st.ListEnvBindings(robotID, envName)
			if err != nil {
				return err
			}
			if len(bindings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no bindings")
				return nil
			}
			for _, b := range bindings {
				if b.IsSecret || rt.ciph == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=<secret>\n", b.Key)
					continue
				}
				plain, err := rt.ciph.Decrypt(b.Value)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=<undecryptable>\n", b.Key)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", b.Key, plain)
			}
			return nil
		},
	}
}

func newEnvDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <robot-id> <env> <key>",
		Short: "Delete one env binding",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.st.DeleteEnvBinding(args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s from %s\n", args[2], args[1])
			return nil
		},
	}
}
