package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/triage-ai/patrol/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

var hashCost int

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an operator password for PATROL_OPERATOR_PASSWORD_HASH",
	Long: `Read an operator password from stdin (first line) and print its bcrypt
hash. Put the output in PATROL_OPERATOR_PASSWORD_HASH or in the
operator_password_hash key of the config file.

Examples:
  echo 'correct horse' | patrol-agent hash-password
  patrol-agent hash-password --cost 12 < password.txt`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password from stdin: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")

		hash, err := auth.HashCredential(password, hashCost)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), hash) //nolint:errcheck
		color.New(color.FgGreen).Fprintln(cmd.ErrOrStderr(), "✓ Set PATROL_OPERATOR_PASSWORD_HASH to the value above") //nolint:errcheck
		return nil
	},
}

func init() {
	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	rootCmd.AddCommand(hashPasswordCmd)
}
