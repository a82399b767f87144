package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trading-router/internal/api"
	"trading-router/pkg/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master encryption key",
	Long: `Print a random base64 AES-256 key. Export it as MASTER_ENCRYPTION_KEY
(or MASTER_ENCRYPTION_KEY_V2.._V10 when rotating) to decrypt provider
credentials.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt [value]",
	Short: "Encrypt a provider credential with the current master key",
	Long: `Encrypt prints an ENC[vN]: value ready to paste into the providers file.
Without an argument the value is read from the first line of stdin, which
keeps it out of shell history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		km, err := crypto.NewKeyManager()
		if err != nil {
			return err
		}
		value, err := argOrStdin(args)
		if err != nil {
			return err
		}
		out, err := km.Encrypt(value)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Hash an operator password for the OPERATORS variable",
	Long: `Print a bcrypt hash. Add operators as OPERATORS="alice:<hash>,bob:<hash>".`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := argOrStdin(args)
		if err != nil {
			return err
		}
		hash, err := api.HashPassword(pw)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd, encryptCmd, hashPasswordCmd)
}

func argOrStdin(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
