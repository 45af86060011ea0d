package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API token for this device",
	Long: `Store the clinic backend API token. With no argument the token is read
from stdin, so it can be pasted or piped without landing in shell history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			fmt.Fprint(os.Stderr, "Token: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token = strings.TrimSpace(line)
		}
		if token == "" {
			return fmt.Errorf("empty token")
		}

		claims, err := agent.Login(token)
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as user %s (clinic %s).\n", claims.UserID, claims.ClinicID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and wipe local recordings and keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := agent.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Logged out. Local recordings and the encryption key were removed.")
		return nil
	},
}
