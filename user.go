package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ankicommunity/ankisyncd/internal/auth"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage sync accounts",
	}

	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserDelCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserPasswdCmd())

	return cmd
}

// openUserManager opens the auth database configured for this process. The
// running server notices external changes and reloads its credential cache,
// so these commands work against a live server.
func openUserManager(cmd *cobra.Command) (*auth.SQLiteUserManager, error) {
	return auth.NewSQLiteUserManager(cmd.Context(), loadedCfg.AuthDBPath, buildLogger())
}

func newUserAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUserManager(cmd)
			if err != nil {
				return err
			}
			defer users.Close()

			if err := users.AddUser(args[0], args[1]); err != nil {
				return err
			}

			fmt.Printf("added user %s\n", args[0])

			return nil
		},
	}
}

func newUserDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <username>",
		Short: "Delete an account",
		Long:  "Delete an account. The user's collection directory is left on disk.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUserManager(cmd)
			if err != nil {
				return err
			}
			defer users.Close()

			if err := users.DelUser(args[0]); err != nil {
				return err
			}

			fmt.Printf("deleted user %s\n", args[0])

			return nil
		},
	}
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, err := openUserManager(cmd)
			if err != nil {
				return err
			}
			defer users.Close()

			names := users.ListUsers()
			sort.Strings(names)

			for _, name := range names {
				fmt.Println(name)
			}

			return nil
		},
	}
}

func newUserPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <username> <password>",
		Short: "Change an account's password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUserManager(cmd)
			if err != nil {
				return err
			}
			defer users.Close()

			if err := users.SetPassword(args[0], args[1]); err != nil {
				return err
			}

			fmt.Printf("updated password for %s\n", args[0])

			return nil
		},
	}
}
