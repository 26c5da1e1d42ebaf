package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sammck-go/wstether/pkg/wstrelay"
	"github.com/spf13/cobra"
)

func newCallCommand(opts *cliOptions) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "call <host-id> <method> <path>",
		Short: "Send one signed request to a paired host through the relay",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostID := args[0]
			method := strings.ToUpper(args[1])
			path := args[2]

			body, err := readData(data)
			if err != nil {
				return err
			}
			if opts.relayURL == "" {
				return errors.New("a relay URL is required (--relay or WSTETHER_RELAY)")
			}

			lg, err := opts.logger()
			if err != nil {
				return err
			}
			store, err := opts.openStore(lg)
			if err != nil {
				return err
			}
			defer store.Close()

			resolver, err := wstrelay.NewResolver(lg, wstrelay.ResolverConfig{
				RelayURL: opts.relayURL,
				Store:    store,
			})
			if err != nil {
				return err
			}
			disp := wstrelay.NewDispatcher(lg, resolver)

			resp, err := disp.Do(cmd.Context(), hostID, method, path, body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("host returned %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body; @file reads it from a file")
	return cmd
}

// readData resolves a --data value the way curl does: a leading @ names a
// file to read the body from.
func readData(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if name, ok := strings.CutPrefix(data, "@"); ok {
		return os.ReadFile(name)
	}
	return []byte(data), nil
}
