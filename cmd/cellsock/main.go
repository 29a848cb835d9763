// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// cellsock drives a BG96 cellular modem over its AT serial port.
//
// It provides commands to inspect the modem, attach to the packet network,
// resolve names and fetch data over the modem's sockets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/warthog618/cellsock/cmd/cellsock/cmd"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	go func() {
		s := <-quit
		fmt.Fprintf(os.Stderr, "got %v, exiting\n", s)
		cancel()
		// in case the modem is wedged
		<-time.After(30 * time.Second)
		fmt.Fprintln(os.Stderr, "took too long to shutdown, forcefully exiting")
		os.Exit(1)
	}()
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
