package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gwi.com/chatcore/internal/core"
)

var (
	addUserName        string
	addUserPassword    string
	addUserDisplayName string
)

// addUserCmd provisions an account without going through the HTTP API.
var addUserCmd = &cobra.Command{
	Use:   "adduser",
	Short: "Create a user account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbStore, err := openStore()
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbStore.Close()

		user, err := core.NewUserService(dbStore).Signup(context.Background(), addUserName, addUserPassword, addUserDisplayName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

func init() {
	addUserCmd.Flags().StringVar(&addUserName, "username", "", "login name")
	addUserCmd.Flags().StringVar(&addUserPassword, "password", "", "password, at least 8 characters")
	addUserCmd.Flags().StringVar(&addUserDisplayName, "display-name", "", "name shown to chat partners, defaults to the username")
	addUserCmd.MarkFlagRequired("username")
	addUserCmd.MarkFlagRequired("password")
	rootCmd.AddCommand(addUserCmd)
}
