// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warthog618/cellsock/bg96"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "display modem and network information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, closer, err := openModem(ctx)
		if err != nil {
			return err
		}
		defer closer()
		out := cmd.OutOrStdout()
		items := []struct {
			name string
			get  func(context.Context, *bg96.Modem) (interface{}, error)
		}{
			{"IMEI", func(ctx context.Context, m *bg96.Modem) (interface{}, error) { return m.IMEI(ctx) }},
			{"ICCID", func(ctx context.Context, m *bg96.Modem) (interface{}, error) { return m.ICCID(ctx) }},
			{"RSSI", func(ctx context.Context, m *bg96.Modem) (interface{}, error) { return m.RSSI(ctx) }},
			{"Network", func(ctx context.Context, m *bg96.Modem) (interface{}, error) { return m.CheckNetwork(ctx) }},
			{"Attached", func(ctx context.Context, m *bg96.Modem) (interface{}, error) { return m.Attached(ctx) }},
			{"Time", func(ctx context.Context, m *bg96.Modem) (interface{}, error) { return m.Time(ctx) }},
		}
		for _, i := range items {
			v, err := i.get(ctx, m)
			if err != nil {
				fmt.Fprintf(out, "%-9s %s\n", i.name, err)
				continue
			}
			fmt.Fprintf(out, "%-9s %v\n", i.name, v)
		}
		return nil
	},
}
