// Package main implements serialprobe, a bring-up tool for serial hashing
// boards: it opens a port, performs the signature handshake and optionally
// sends the self-test frame.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bardlex/gominer/internal/serial"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

type options struct {
	handshakeTimeout time.Duration
	testWork         bool
	listen           time.Duration
	logLevel         string
}

type report struct {
	confirmed bool
	results   uint64
}

// runFunc probes the port at path
type runFunc func(ctx context.Context, path string, opts options) error

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(fn runFunc) *cobra.Command {
	opts := options{}
	root := &cobra.Command{
		Use:          "serialprobe <port>",
		Short:        "Probe a serial hashing board",
		Long:         "Open a serial hashing board, run the signature handshake and optionally send the self-test frame.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return fn(ctx, args[0], opts)
		},
	}

	root.Flags().DurationVarP(&opts.handshakeTimeout, "handshake-timeout", "t", serial.DefaultHandshakeTimeout, "time allowed for the info reply")
	root.Flags().BoolVarP(&opts.testWork, "test-work", "w", true, "send the self-test frame after the handshake")
	root.Flags().DurationVarP(&opts.listen, "listen", "l", 10*time.Second, "how long to wait for result frames after the self-test")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "debug", "log level")
	return root
}

func run(ctx context.Context, path string, opts options) error {
	logger := log.New("serialprobe", "dev", opts.logLevel, "text")

	port, err := serial.Open(path)
	if err != nil {
		logger.WithError(err).Error("cannot open serial port", "port", path)
		return err
	}

	rep, err := probe(ctx, path, port, opts, logger)
	if err != nil {
		logger.WithError(err).Error("probe failed", "port", path)
		return err
	}
	logger.Info("probe finished", "port", path, "confirmed", rep.confirmed, "results", rep.results)
	return nil
}

// probe runs the handshake on port and, when asked, the self-test. The port
// is closed on return.
func probe(ctx context.Context, name string, port io.ReadWriteCloser, opts options, logger *log.Logger) (report, error) {
	dev := serial.NewDevice(name, port, serial.ModelMojoV3, opts.handshakeTimeout, logger)
	defer dev.Stop()

	if err := dev.Start(ctx); err != nil {
		return report{}, err
	}

	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for !dev.Confirmed() {
		select {
		case <-dev.Done():
			return report{}, errors.New(errors.KindDeviceTimeout, "probe", "handshake failed").With("port", name)
		case <-ctx.Done():
			return report{}, ctx.Err()
		case <-poll.C:
		}
	}
	logger.Info("handshake complete", "port", name, "model", serial.ModelMojoV3.String())

	if !opts.testWork {
		return report{confirmed: true}, nil
	}

	if err := dev.SendTestWork(); err != nil {
		return report{confirmed: true}, err
	}
	logger.Info("self-test frame sent, waiting for results", "listen", opts.listen.String())

	wait := time.NewTimer(opts.listen)
	defer wait.Stop()
	select {
	case <-wait.C:
	case <-dev.Done():
	case <-ctx.Done():
	}
	return report{confirmed: true, results: dev.Results()}, nil
}
