// Command keystore operates a Key Provider out-of-band from the daemon:
// listing resolvable key ids and rotating the active key, against either
// the env-backed provider or a passphrase-protected file keystore.
package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/keyprovider"
)

const (
	exitSuccess = 0
	exitBadArgs = 2
	exitRuntime = 1
)

func main() {
	root := &cobra.Command{Use: "keystore"}
	root.PersistentFlags().String("provider", "file", "key provider backend: file|env")
	root.PersistentFlags().String("keystore", "./data/keystore.json", "file keystore path (provider=file)")
	root.PersistentFlags().String("passphrase", "", "file keystore passphrase (provider=file)")

	root.AddCommand(listCmd())
	root.AddCommand(rotateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every key id the provider can still resolve, active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openProvider(cmd)
			if err != nil {
				return err
			}
			active := provider.ActiveKeyID()
			for _, kid := range provider.ListKeyIDs() {
				marker := ""
				if kid == active {
					marker = " (active)"
				}
				fmt.Printf("%s%s\n", kid, marker)
			}
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "rotate the active key, keeping prior keys resolvable by kid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openProvider(cmd)
			if err != nil {
				return err
			}

			newKeyB64, _ := cmd.Flags().GetString("new-key-base64")
			printExports, _ := cmd.Flags().GetBool("print-exports")

			var kid string
			if newKeyB64 != "" {
				key, err := base64.StdEncoding.DecodeString(newKeyB64)
				if err != nil {
					return errs.Wrap(errs.InvalidInput, err, "keystore: decode --new-key-base64")
				}
				rotator, ok := provider.(interface {
					RotateWithKey([]byte) (string, error)
				})
				if !ok {
					return errs.New(errs.InvalidInput, "keystore: provider does not support an explicit rotation key")
				}
				kid, err = rotator.RotateWithKey(key)
				if err != nil {
					return err
				}
			} else {
				kid, err = provider.Rotate()
				if err != nil {
					return err
				}
			}

			fmt.Printf("rotated: new active kid %s\n", kid)
			if printExports {
				switch p := provider.(type) {
				case *keyprovider.EnvProvider:
					key, err := p.Key(kid)
					if err != nil {
						return err
					}
					fmt.Printf("export MEDCHAIN_ACTIVE_KEY=%s\n", base64.StdEncoding.EncodeToString(key))
				case *keyprovider.FileKeystore:
					fmt.Printf("keystore persisted at its configured path; no export needed for file provider\n")
				}
			}
			return nil
		},
	}
	cmd.Flags().String("new-key-base64", "", "install this base64-encoded key as active instead of generating one")
	cmd.Flags().Bool("print-exports", false, "print the shell export for the new active key (env provider only)")
	return cmd
}

func openProvider(cmd *cobra.Command) (keyprovider.Provider, error) {
	backend, _ := cmd.Flags().GetString("provider")
	switch backend {
	case "file":
		path, _ := cmd.Flags().GetString("keystore")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		if passphrase == "" {
			return nil, errs.New(errs.InvalidInput, "keystore: --passphrase is required for provider=file")
		}
		return keyprovider.OpenFileKeystore(path, passphrase)
	case "env":
		keyB64 := os.Getenv("MEDCHAIN_ACTIVE_KEY")
		if keyB64 == "" {
			return keyprovider.NewEnvProvider(nil)
		}
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "keystore: decode MEDCHAIN_ACTIVE_KEY")
		}
		return keyprovider.NewEnvProvider(key)
	default:
		return nil, errs.New(errs.InvalidInput, "keystore: unknown provider %q", backend)
	}
}

// exitCode maps an error's Kind to the CLI's {0,2,1} exit-code contract.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	if kind, ok := errs.KindOf(err); ok && kind == errs.InvalidInput {
		return exitBadArgs
	}
	return exitRuntime
}
