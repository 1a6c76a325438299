package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
	storesqlite "github.com/kwrelay/kwrelay/modules/store/sqlite"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage sender accounts",
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	cmd.AddCommand(accountsAddCmd(), accountsListCmd())
	return cmd
}

func accountsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Register a sender account interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			var (
				id      string
				token   string
				confirm bool
			)
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Account ID").
						Description("Stable identifier used in logs and the cooldown ledger").
						Validate(func(s string) error {
							if strings.TrimSpace(s) == "" {
								return errors.New("id is required")
							}
							if strings.ContainsAny(s, " \t") {
								return errors.New("id must not contain whitespace")
							}
							return nil
						}).
						Value(&id),
					huh.NewInput().
						Title("Bot token").
						EchoMode(huh.EchoModePassword).
						Validate(func(s string) error {
							if strings.TrimSpace(s) == "" {
								return errors.New("token is required")
							}
							return nil
						}).
						Value(&token),
					huh.NewConfirm().
						Title("Write this account to storage?").
						Value(&confirm),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}
			if !confirm {
				fmt.Println("Aborted.")
				return nil
			}

			st, err := storesqlite.Open(cfg.Storage.Path, newLogger())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			err = st.PutAccount(cmd.Context(), event.SenderAccount{
				ID:         id,
				Credential: token,
				State:      event.AccountActive,
			})
			if errors.Is(err, store.ErrDuplicateAccount) {
				return fmt.Errorf("account %q already exists", id)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Account %q registered. Add it to the senders section of the config to use it.\n", id)
			return nil
		},
	}
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sender accounts and their cooldown state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			st, err := storesqlite.Open(cfg.Storage.Path, newLogger())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			accounts, err := st.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts registered.")
				return nil
			}

			for _, a := range accounts {
				eligible := "now"
				if !a.NextEligibleAt.IsZero() && a.NextEligibleAt.After(time.Now()) {
					eligible = a.NextEligibleAt.UTC().Format(time.RFC3339)
				}
				fmt.Printf("  %-20s %-12s failures=%d next_eligible=%s\n",
					a.ID, a.State, a.ConsecutiveFailures, eligible)
			}
			return nil
		},
	}
}
