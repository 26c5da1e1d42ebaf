// Command wstether is the client side of the tunnel: it pairs with host
// agents, lists and drops pairings, and sends signed requests or opens
// duplex streams to a paired host through the relay.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/spf13/cobra"
)

// passphraseEnv names the environment variable holding the credential
// store passphrase. An empty or unset value keeps the store plaintext.
const passphraseEnv = "WSTETHER_PASSPHRASE"

// cliOptions carries the persistent flags shared by every subcommand.
type cliOptions struct {
	storePath string
	relayURL  string
	debug     bool
}

func (o *cliOptions) logger() (logger.Logger, error) {
	level := logger.LogLevelInfo
	if o.debug {
		level = logger.LogLevelDebug
	}
	return logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("wstether"),
	)
}

// openStore opens the credential store named by --store. The caller
// owns the returned store and must Close it.
func (o *cliOptions) openStore(lg logger.Logger) (*wstcred.FileStore, error) {
	return wstcred.NewFileStore(lg, o.storePath, os.Getenv(passphraseEnv), false)
}

// defaultStorePath puts credentials under the platform config dir,
// falling back to the working directory when none is available.
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "wstether-credentials.json"
	}
	return filepath.Join(dir, "wstether", "credentials.json")
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "wstether",
		Short:         "Pair with wstether host agents and talk to them through a relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.storePath, "store", defaultStorePath(), "credential store path")
	root.PersistentFlags().StringVar(&opts.relayURL, "relay", os.Getenv("WSTETHER_RELAY"), "relay base URL (or WSTETHER_RELAY)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newPairCommand(opts),
		newHostsCommand(opts),
		newUnpairCommand(opts),
		newCallCommand(opts),
		newStreamCommand(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wstether: %s\n", err)
		os.Exit(1)
	}
}
