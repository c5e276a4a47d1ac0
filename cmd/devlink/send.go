package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/devlink/devlink"
	"github.com/TheusHen/devlink/devlink/protocol"
)

func newSendCommand() *cobra.Command {
	var (
		configFile string
		message    string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and print the echoed reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reply, err := runSend(ctx, configFile, []byte(message))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "devlink.toml", "path to the configuration file (TOML format)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message body")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "dial and reply timeout")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func runSend(ctx context.Context, configFile string, body []byte) ([]byte, error) {
	cfg, backend, err := setup(configFile)
	if err != nil {
		return nil, err
	}
	defer backend.Close()
	l := backend.GetLogger("send")

	opts, err := transportOptions(cfg.Transport, backend.GetLogger("transport"))
	if err != nil {
		return nil, logFatal(l, err)
	}
	km, err := cfg.KeyMaterial()
	if err != nil {
		return nil, logFatal(l, err)
	}
	defer km.Wipe()
	peer, err := devlink.NewPeer(km, opts)
	if err != nil {
		return nil, logFatal(l, err)
	}

	conn, err := peer.Dial(ctx, cfg.Transport.Address)
	if err != nil {
		return nil, logFatal(l, err)
	}
	defer conn.CloseWithError(closeNormal, "")

	h := protocol.Header{Type: protocol.MessageTypeSession, Flags: protocol.FlagShouldAck}
	if err := conn.SendMessage(h, body); err != nil {
		return nil, logFatal(l, err)
	}

	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := conn.ReceiveMessage()
		ch <- result{m.Body, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, logFatal(l, r.err)
		}
		l.Debugf("received %d byte reply", len(r.body))
		return r.body, nil
	case <-ctx.Done():
		return nil, logFatal(l, ctx.Err())
	}
}
