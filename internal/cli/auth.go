package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvsync/internal/credentials"
)

func (a *app) authCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the API token stored in the OS keyring",
		Long: `Tokens are stored per server URL in the OS keyring. A token given with
--token or CSVSYNC_TOKEN takes precedence over the stored one.`,
	}
	cmd.AddCommand(a.loginCommand(), a.logoutCommand(), a.statusCommand())
	return cmd
}

func (a *app) loginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store an API token for the server",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(a.tokenFlag)
			if token == "" {
				return usagef("auth login requires --token")
			}
			store, err := a.openTokens()
			if err != nil {
				return fmt.Errorf("open keyring: %w", err)
			}
			if err := store.SetToken(a.cfg.RemoteURL, token); err != nil {
				return err
			}
			pterm.Success.WithWriter(a.out).Printfln("Token stored for %s", a.cfg.RemoteURL)
			return nil
		},
	}
}

func (a *app) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API token for the server",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openTokens()
			if err != nil {
				return fmt.Errorf("open keyring: %w", err)
			}
			err = store.DeleteToken(a.cfg.RemoteURL)
			switch {
			case errors.Is(err, credentials.ErrNotFound):
				pterm.Info.WithWriter(a.out).Printfln("No token stored for %s", a.cfg.RemoteURL)
				return nil
			case err != nil:
				return err
			}
			pterm.Success.WithWriter(a.out).Printfln("Token removed for %s", a.cfg.RemoteURL)
			return nil
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the API token comes from",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var source string
			switch {
			case a.tokenFlag != "":
				source = "--token flag"
			case a.cfg.Token != "":
				source = "CSVSYNC_TOKEN"
			default:
				store, err := a.openTokens()
				if err != nil {
					return fmt.Errorf("open keyring: %w", err)
				}
				_, err = store.Token(a.cfg.RemoteURL)
				switch {
				case errors.Is(err, credentials.ErrNotFound):
					pterm.Warning.WithWriter(a.out).Printfln("Not logged in to %s", a.cfg.RemoteURL)
					return nil
				case err != nil:
					return err
				}
				source = "keyring"
			}
			pterm.Success.WithWriter(a.out).Printfln("Token for %s from %s", a.cfg.RemoteURL, source)
			return nil
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}
