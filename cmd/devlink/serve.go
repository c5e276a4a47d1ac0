package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/devlink/devlink"
	"github.com/TheusHen/devlink/devlink/config"
	"github.com/TheusHen/devlink/devlink/crypto"
	"github.com/TheusHen/devlink/devlink/protocol"
	"github.com/TheusHen/devlink/devlink/transport/quic"
)

const (
	// Application error codes passed to CloseWithError.
	closeNormal   = 0
	closeSecurity = 1
)

func newServeCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Echo every received message back to its sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "devlink.toml", "path to the configuration file (TOML format)")
	return cmd
}

func runServe(ctx context.Context, configFile string) error {
	cfg, backend, err := setup(configFile)
	if err != nil {
		return err
	}
	defer backend.Close()
	l := backend.GetLogger("serve")

	opts, err := transportOptions(cfg.Transport, backend.GetLogger("transport"))
	if err != nil {
		return logFatal(l, err)
	}
	if cfg.Metrics.Address != "" {
		if opts.Metrics, err = quic.NewMetrics(prometheus.DefaultRegisterer); err != nil {
			return logFatal(l, err)
		}
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Errorf("metrics endpoint: %v", err)
			}
		}()
		defer srv.Close()
		l.Noticef("serving metrics on %s", cfg.Metrics.Address)
	}

	km, err := cfg.KeyMaterial()
	if err != nil {
		return logFatal(l, err)
	}
	defer km.Wipe()
	peer, err := devlink.NewPeer(km, opts)
	if err != nil {
		return logFatal(l, err)
	}
	if err := peer.Listen(cfg.Transport.Address); err != nil {
		return logFatal(l, err)
	}
	defer peer.Close()
	l.Noticef("listening on %s", peer.ListenAddr())

	for {
		conn, err := peer.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.Notice("shutting down")
				return nil
			}
			l.Warningf("accept: %v", err)
			continue
		}
		go echo(conn, l)
	}
}

func echo(conn *quic.Conn, l *logging.Logger) {
	for {
		m, err := conn.ReceiveMessage()
		switch {
		case err == nil:
		case crypto.IsSecurityError(err), errors.Is(err, crypto.ErrUndecryptable):
			_ = conn.CloseWithError(closeSecurity, "security error")
			return
		case errors.Is(err, io.EOF):
			_ = conn.CloseWithError(closeNormal, "")
			return
		default:
			l.Infof("connection closed: %v", err)
			_ = conn.CloseWithError(closeNormal, "")
			return
		}

		m.Header.Type = protocol.MessageTypeAck
		m.Header.Flags.Clear(protocol.FlagShouldAck)
		if err := conn.SendMessage(m.Header, m.Body); err != nil {
			l.Warningf("echo request %d: %v", m.Header.RequestID, err)
			_ = conn.CloseWithError(closeNormal, "")
			return
		}
	}
}

func transportOptions(t *config.Transport, l *logging.Logger) (quic.Options, error) {
	level, err := t.CompressionLevel()
	if err != nil {
		return quic.Options{}, err
	}
	return quic.Options{Logger: l, MaxFragmentBody: t.MaxFragmentBody, Compression: level}, nil
}
