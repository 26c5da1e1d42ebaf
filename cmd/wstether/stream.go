package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstether/pkg/wstduplex"
	"github.com/sammck-go/wstether/pkg/wstrelay"
	"github.com/sammck-go/wstether/pkg/wstsig"
	"github.com/spf13/cobra"
)

func newStreamCommand(opts *cliOptions) *cobra.Command {
	var keepAlive time.Duration
	var maxRetryInterval time.Duration
	var maxRetryCount int

	cmd := &cobra.Command{
		Use:   "stream <host-id> <path>",
		Short: "Open a signed duplex channel to a paired host and bridge it to stdio",
		Long: "stream opens an authenticated duplex channel at the given path on a\n" +
			"paired host. Lines read from stdin are sent as text frames; text frames\n" +
			"from the host are written to stdout. Lost transport is redialed with\n" +
			"backoff; closing stdin closes the channel cleanly.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, opts, args[0], args[1], keepAlive, maxRetryInterval, maxRetryCount)
		},
	}
	cmd.Flags().DurationVar(&keepAlive, "keepalive", 25*time.Second, "channel ping interval (0 disables)")
	cmd.Flags().DurationVar(&maxRetryInterval, "max-retry-interval", 5*time.Minute, "cap on the delay between redial attempts")
	cmd.Flags().IntVar(&maxRetryCount, "max-retry-count", -1, "redials before giving up (-1 retries forever)")
	return cmd
}

func runStream(cmd *cobra.Command, opts *cliOptions, hostID, path string, keepAlive, maxRetryInterval time.Duration, maxRetryCount int) error {
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

	// One stdin reader outlives every connection, so lines queued during a
	// redial are delivered on the next one.
	lines := make(chan string, 64)
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		sc := bufio.NewScanner(cmd.InOrStdin())
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	b := &backoff.Backoff{Max: maxRetryInterval}
	for {
		hc, cerr := resolver.Resolve(ctx, hostID)
		if cerr != nil && errors.Is(cerr, wstrelay.ErrNotPaired) {
			return cerr
		}
		if cerr == nil {
			var ch *wstduplex.Channel
			ch, cerr = dialStream(ctx, lg, hc, path, keepAlive, out)
			if cerr == nil {
				b.Reset()
				lg.ILogf("Connected to %s", hostID)
				cerr = pumpStream(ctx, ch, lines, stdinDone)
				switch {
				case cerr == nil:
					return nil
				case errors.Is(cerr, context.Canceled) || errors.Is(cerr, context.DeadlineExceeded):
					return cerr
				case wstduplex.IsProtocolError(cerr):
					return cerr
				}
			}
		}

		// Transport loss or dial failure. The cached session may be the
		// stale half of the problem, so drop it before retrying.
		resolver.Invalidate(hostID)
		attempt := int(b.Attempt())
		msg := fmt.Sprintf("Connection error: %s", cerr)
		if attempt > 0 {
			msg += fmt.Sprintf(" (Attempt: %d)", attempt)
		}
		lg.WLogf("%s", msg)
		if maxRetryCount >= 0 && attempt >= maxRetryCount {
			return cerr
		}
		d := b.Duration()
		lg.ILogf("Retrying in %s...", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dialStream opens one signed websocket connection and wraps it in a
// channel that mirrors inbound text to out.
func dialStream(ctx context.Context, lg logger.Logger, hc *wstrelay.HostContext, path string, keepAlive time.Duration, out io.Writer) (*wstduplex.Channel, error) {
	signPath, err := wstsig.ParsePath(path)
	if err != nil {
		return nil, err
	}
	rel, _ := url.Parse(path)
	target := hc.BaseURL.JoinPath(rel.EscapedPath())
	target.RawQuery = rel.RawQuery
	wsu := wstduplex.WebsocketURL(target)

	sig := wstsig.SignRequest(hc.Host.Keypair, hc.SessionID, http.MethodGet, signPath, nil, time.Now())
	conn, err := wstduplex.Dial(ctx, wsu.String(), sig)
	if err != nil {
		return nil, err
	}
	ch, err := wstduplex.NewChannel(lg, conn, wstduplex.Config{
		SessionID: hc.SessionID,
		Nonce:     sig.Nonce,
		Key:       hc.Host.Keypair,
		PeerKey:   hc.Host.HostVerifyKey,
		KeepAlive: keepAlive,
		Handler: &wstduplex.HandlerFuncs{
			Text: func(_ *wstduplex.Channel, text string) {
				fmt.Fprintln(out, text)
			},
		},
	})
	if err != nil {
		conn.Close(0, "")
		return nil, err
	}
	return ch, nil
}

// pumpStream forwards stdin lines into ch until the channel ends or stdin
// is exhausted. A nil return means the channel closed cleanly.
func pumpStream(ctx context.Context, ch *wstduplex.Channel, lines <-chan string, stdinDone <-chan struct{}) error {
	chDone := make(chan error, 1)
	go func() { chDone <- ch.WaitShutdown() }()

	for {
		select {
		case line := <-lines:
			if err := ch.Send(line); err != nil {
				return <-chDone
			}
		case <-stdinDone:
			// Flush lines the reader queued before EOF, then close.
			for {
				select {
				case line := <-lines:
					if err := ch.Send(line); err != nil {
						return <-chDone
					}
				default:
					_ = ch.CloseWithStatus(1000, "")
					return <-chDone
				}
			}
		case err := <-chDone:
			return err
		case <-ctx.Done():
			_ = ch.CloseWithStatus(1001, "interrupted")
			<-chDone
			return ctx.Err()
		}
	}
}
