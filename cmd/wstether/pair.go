package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/sammck-go/wstether/pkg/wsthost"
	"github.com/sammck-go/wstether/pkg/wstsig"
	"github.com/spf13/cobra"
)

func newPairCommand(opts *cliOptions) *cobra.Command {
	var agentURL string
	var code string

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Enroll this client with a host agent using a pairing code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := opts.logger()
			if err != nil {
				return err
			}
			store, err := opts.openStore(lg)
			if err != nil {
				return err
			}
			defer store.Close()

			ph, err := wsthost.Pair(cmd.Context(), nil, agentURL, code)
			if err != nil {
				return err
			}
			if err := store.PutHost(cmd.Context(), ph); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paired with %s (client key %s)\n", ph.HostID, wstsig.KeyID(ph.Keypair.Public))
			return nil
		},
	}
	cmd.Flags().StringVar(&agentURL, "url", "", "host agent base URL")
	cmd.Flags().StringVar(&code, "code", "", "pairing code shown by the host")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("code")
	return cmd
}

func newHostsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List paired hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := opts.logger()
			if err != nil {
				return err
			}
			store, err := opts.openStore(lg)
			if err != nil {
				return err
			}
			defer store.Close()

			hosts, err := store.ListHosts(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(hosts, func(i, j int) bool {
				return hosts[i].PairedAt.Before(hosts[j].PairedAt)
			})
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST ID\tCLIENT KEY\tPAIRED")
			for _, h := range hosts {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					h.HostID, wstsig.KeyID(h.Keypair.Public), h.PairedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newUnpairCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <host-id>",
		Short: "Forget a paired host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := opts.logger()
			if err != nil {
				return err
			}
			store, err := opts.openStore(lg)
			if err != nil {
				return err
			}
			defer store.Close()

			hostID := args[0]
			if _, err := store.GetHost(cmd.Context(), hostID); err != nil {
				if errors.Is(err, wstcred.ErrNotFound) {
					return fmt.Errorf("host %s is not paired", hostID)
				}
				return err
			}
			if err := store.DeleteHost(cmd.Context(), hostID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unpaired %s\n", hostID)
			return nil
		},
	}
}
