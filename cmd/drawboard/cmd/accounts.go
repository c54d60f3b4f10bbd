package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/drawboard/db"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage registered user accounts",
	Long: `Commands for managing the account database directly. The server must
not be running; use the admin API to manage accounts on a live server.`,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
}

func openAccountDB() (*db.Database, error) {
	path := filepath.Join(dataDir, "drawboard.db")
	database, err := db.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return database, nil
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openAccountDB()
		if err != nil {
			return err
		}
		defer database.Close()

		accounts, err := database.ListAccounts()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "USERNAME\tLOCKED\tFLAGS")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%v\t%s\n", a.Username, a.Locked, strings.Join(a.Flags, ","))
		}
		return w.Flush()
	},
}

var (
	accountPassword string
	accountFlags    []string
)

var accountsAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Register an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountPassword == "" {
			return fmt.Errorf("a password is required")
		}
		database, err := openAccountDB()
		if err != nil {
			return err
		}
		defer database.Close()

		acct, err := database.AddAccount(args[0], accountPassword, false, accountFlags)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s\n", acct.Username)
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openAccountDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.DeleteAccount(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	accountsAddCmd.Flags().StringVarP(&accountPassword, "password", "p", "", "Password for the new account")
	accountsAddCmd.Flags().StringSliceVar(&accountFlags, "flags", nil, "Account flags (MOD, HOST, PERSIST, GHOST, WEB, BANEXEMPT)")
}
