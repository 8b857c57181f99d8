// Package main is the EdgeGate admin CLI. It covers key management,
// schema migrations, and offline evidence-bundle verification.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/evidence"
	"github.com/edgegate/edgegate/internal/kms"
)

// Exit codes. Scripts depend on these staying stable.
const (
	exitOK       = 0
	exitInput    = 2
	exitPolicy   = 3
	exitUpstream = 4
)

func main() {
	root := &cobra.Command{
		Use:           "edgegate",
		Short:         "EdgeGate control plane admin tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(keygenCmd())
	root.AddCommand(rotateCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(verifyBundleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// cliError carries an exit code alongside the message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func inputErr(format string, args ...any) error {
	return &cliError{code: exitInput, err: fmt.Errorf(format, args...)}
}

func upstreamErr(format string, args ...any) error {
	return &cliError{code: exitUpstream, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return exitInput
}

// openKMS loads config and the signing keystore.
func openKMS() (*kms.KMS, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, inputErr("load config: %v", err)
	}
	masterKey, err := config.DecodeMasterKey(cfg.Security.MasterKey)
	if err != nil {
		return nil, inputErr("decode master key: %v", err)
	}
	k, err := kms.New(masterKey, cfg.Security.SigningKeysDir, clockwork.NewRealClock())
	if err != nil {
		return nil, inputErr("open keystore: %v", err)
	}
	return k, nil
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Initialize the signing keystore and print the active key id",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKMS()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.CurrentKeyID())
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the Ed25519 signing key; old keys stay verifiable",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKMS()
			if err != nil {
				return err
			}
			keyID, err := k.Rotate()
			if err != nil {
				return inputErr("rotate: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), keyID)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var down bool
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return inputErr("load config: %v", err)
			}
			db, err := database.NewPostgres(cfg.Database)
			if err != nil {
				return upstreamErr("connect: %v", err)
			}
			defer db.Close()

			if down {
				if err := db.MigrateDown(cfg.Database, steps); err != nil {
					return upstreamErr("migrate down: %v", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s)\n", steps)
				return nil
			}
			if err := db.RunMigrations(cfg.Database); err != nil {
				return upstreamErr("migrate up: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back instead of applying")
	cmd.Flags().IntVar(&steps, "steps", 1, "steps to roll back with --down")
	return cmd
}

func verifyBundleCmd() *cobra.Command {
	var pubKeyPath string

	cmd := &cobra.Command{
		Use:   "verify-bundle <bundle.json>",
		Short: "Verify a signed evidence bundle offline",
		Long: "Verifies the Ed25519 signature over the bundle's canonical summary.\n" +
			"Needs only the bundle file and the signer's public key; no database\nor keystore access.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return inputErr("read bundle: %v", err)
			}
			bundle, err := evidence.Parse(data)
			if err != nil {
				return inputErr("parse bundle: %v", err)
			}
			pubKey, err := readPublicKey(pubKeyPath)
			if err != nil {
				return err
			}

			ok, err := evidence.Verify(bundle, pubKey)
			if err != nil {
				return inputErr("verify: %v", err)
			}
			if !ok {
				return inputErr("signature verification FAILED for run %s", bundle.SignedSummary.Summary.RunID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle verified: run %s signed by %s\n",
				bundle.SignedSummary.Summary.RunID, bundle.SignedSummary.KeyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubKeyPath, "pubkey", "", "path to the signer's Ed25519 public key (raw, hex, or base64)")
	cmd.MarkFlagRequired("pubkey")
	return cmd
}

// readPublicKey accepts a raw 32-byte key file or a text encoding of
// one.
func readPublicKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, inputErr("read public key: %v", err)
	}
	if len(raw) == 32 {
		return raw, nil
	}
	text := strings.TrimSpace(string(raw))
	if decoded, err := hex.DecodeString(text); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(text); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	return nil, inputErr("public key must be 32 bytes (raw, hex, or base64)")
}
