// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/warthog618/cellsock/bg96"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(attachCmd)
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "register and activate the packet data context",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, closer, err := openModem(ctx)
		if err != nil {
			return err
		}
		defer closer()
		if err = attach(ctx, m); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "attached")
		return nil
	},
}

// attach registers with the network and activates the PDP context, as
// configured.
func attach(ctx context.Context, m *bg96.Modem) error {
	n := cfg.Network
	switch strings.ToLower(n.RAT) {
	case "gsm":
		if err := m.SetRAT(ctx, bg96.RATGSM); err != nil {
			return err
		}
	case "lte":
		if err := m.SetRAT(ctx, bg96.RATLTE); err != nil {
			return err
		}
	}
	if n.Operator != "" {
		if err := m.SetOperator(ctx, n.Operator); err != nil {
			return err
		}
	}
	r, err := m.WaitRegistration(ctx, n.Registration)
	if err != nil {
		return err
	}
	log.Info("registered", zap.Int("stat", r.Stat), zap.String("lac", r.LAC), zap.String("ci", r.CI))
	if n.APN != "" {
		pdp := bg96.PDP{APN: n.APN, User: n.User, Password: n.Password, Auth: auth(n.Auth)}
		if err = m.ConfigurePDP(ctx, pdp); err != nil {
			return err
		}
	}
	if err = m.Attach(ctx, true); err != nil {
		return err
	}
	if err = m.ActivatePDP(ctx, true); err != nil {
		return err
	}
	switch len(n.DNS) {
	case 1:
		err = m.SetDNS(ctx, n.DNS[0], "")
	case 2:
		err = m.SetDNS(ctx, n.DNS[0], n.DNS[1])
	}
	return err
}

func auth(s string) bg96.Auth {
	switch strings.ToLower(s) {
	case "pap":
		return bg96.AuthPAP
	case "chap":
		return bg96.AuthCHAP
	}
	return bg96.AuthNone
}
