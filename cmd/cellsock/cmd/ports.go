// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warthog618/cellsock/serial"
)

func init() {
	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serial.Ports()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range ports {
			mark := " "
			if p.Quectel() {
				mark = "*"
			}
			if p.USB {
				fmt.Fprintf(out, "%s %s %s:%s %s %s\n", mark, p.Name, p.VID, p.PID, p.Serial, p.Product)
				continue
			}
			fmt.Fprintf(out, "%s %s\n", mark, p.Name)
		}
		return nil
	},
}
