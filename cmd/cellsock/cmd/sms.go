// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/warthog618/cellsock/gsm"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
)

func init() {
	rootCmd.AddCommand(smsCmd)
}

var smsCmd = &cobra.Command{
	Use:   "sms <number> <message>",
	Short: "send an SMS",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, closer, err := openModem(ctx)
		if err != nil {
			return err
		}
		defer closer()
		var options []gsm.Option
		if cfg.SMS.SCA != "" {
			options = append(options, gsm.WithSCA(sca(cfg.SMS.SCA)))
		}
		g := gsm.New(m.Driver, options...)
		if err = g.Init(ctx); err != nil {
			return err
		}
		mrs, err := g.SendSMS(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent, mr", mrs)
		return nil
	},
}

// sca builds an SMSC address from a number, international if prefixed
// with '+'.
func sca(number string) pdumode.SMSCAddress {
	a := tpdu.Address{Addr: strings.TrimPrefix(number, "+"), TOA: 0x81}
	if strings.HasPrefix(number, "+") {
		a.TOA = 0x91
	}
	return pdumode.SMSCAddress{Address: a}
}
