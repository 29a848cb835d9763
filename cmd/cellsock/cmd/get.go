// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"
	"github.com/warthog618/cellsock/bg96"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const flagTLS = "tls"

func init() {
	getCmd.Flags().Bool(flagTLS, false, "connect using the modem's TLS stack")
	getCmd.Flags().Duration("rssi", 10*time.Second, "signal strength logging interval, 0 to disable")
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <host:port> [path]",
	Short: "fetch a path over HTTP and write the response to stdout",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secure, err := cmd.Flags().GetBool(flagTLS)
		if err != nil {
			return err
		}
		interval, err := cmd.Flags().GetDuration("rssi")
		if err != nil {
			return err
		}
		path := "/"
		if len(args) > 1 {
			path = args[1]
		}
		ctx := cmd.Context()
		m, closer, err := openModem(ctx)
		if err != nil {
			return err
		}
		defer closer()

		done := make(chan struct{})
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(done)
			return get(gctx, m, cmd.OutOrStdout(), args[0], path, secure)
		})
		if interval > 0 {
			g.Go(func() error {
				pollRSSI(gctx, m, interval, done)
				return nil
			})
		}
		return g.Wait()
	},
}

func get(ctx context.Context, m *bg96.Modem, w io.Writer, address, path string, secure bool) error {
	network := "tcp"
	if secure {
		network = "tls"
	}
	c, err := m.Dial(ctx, network, address)
	if err != nil {
		return err
	}
	defer c.Close()
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	if _, err = io.WriteString(c, req); err != nil {
		return err
	}
	n, err := io.Copy(w, c)
	log.Info("transfer complete", zap.Int64("bytes", n))
	return err
}

// pollRSSI logs the signal strength until done is closed.
func pollRSSI(ctx context.Context, m *bg96.Modem, interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
		rssi, err := m.RSSI(ctx)
		if err != nil {
			log.Warn("rssi", zap.Error(err))
			continue
		}
		log.Info("rssi", zap.Int("dBm", rssi))
	}
}
