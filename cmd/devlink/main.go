// Command devlink runs an encrypted envelope echo server and client.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/devlink/devlink/config"
	"github.com/TheusHen/devlink/devlink/crypto"
	"github.com/TheusHen/devlink/devlink/log"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devlink",
		Short: "Encrypted message envelopes over QUIC",
		Long: `devlink exchanges AES-CBC encrypted, HMAC-SHA256 authenticated message
envelopes between two peers that share a session secret.`,
		Example: `  # Create a session secret and paste it into [Keys] of both configs
  devlink keygen

  # Run the echo server
  devlink serve -f devlink.toml

  # Send a message and print the echo
  devlink send -f devlink.toml -m "hello"`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand(), newSendCommand(), newKeygenCommand())
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random session secret as hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := make([]byte, crypto.KeyMaterialSize)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(secret))
			clear(secret)
			return nil
		},
	}
}

// setup loads the configuration and its log backend.
func setup(configFile string) (*config.Config, *log.Backend, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, nil, err
	}
	return cfg, backend, nil
}

func logFatal(l *logging.Logger, err error) error {
	if l != nil {
		l.Errorf("%v", err)
	}
	return err
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
