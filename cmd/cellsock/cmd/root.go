// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package cmd contains the cellsock command tree.
package cmd

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/warthog618/cellsock/at"
	"github.com/warthog618/cellsock/bg96"
	"github.com/warthog618/cellsock/internal/config"
	"github.com/warthog618/cellsock/internal/logging"
	"github.com/warthog618/cellsock/serial"
	"github.com/warthog618/cellsock/trace"
	"go.uber.org/zap"
)

var version = "undefined"

const (
	flagConfig   = "config"
	flagPort     = "port"
	flagBaud     = "baud"
	flagVerbose  = "verbose"
	flagLogLevel = "log-level"
)

var (
	v   = viper.New()
	cfg config.Config
	log = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "cellsock",
	Short:         "BG96 cellular modem socket tool",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString(flagConfig)
		if err != nil {
			return err
		}
		if cfg, err = config.Load(v, path); err != nil {
			return err
		}
		log = logging.New(cfg.Log.Level)
		return nil
	},
}

// Execute runs the command selected by the command line.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		log.Error("failed", zap.Error(err))
		rootCmd.PrintErrln("Error:", err)
	}
	log.Sync()
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "config file (default ./cellsock.yaml)")
	pf.StringP(flagPort, "p", serial.DefaultPort(), "modem AT port")
	pf.IntP(flagBaud, "b", 115200, "baud rate")
	pf.BoolP(flagVerbose, "v", false, "trace modem interactions")
	pf.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	bindFlags(v, pf, map[string]string{
		flagPort:     "serial.port",
		flagBaud:     "serial.baud",
		flagVerbose:  "log.trace",
		flagLogLevel: "log.level",
	})
}

// bindFlags maps flags onto config keys, so a flag set on the command line
// overrides the file and environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// openModem opens and initialises the modem.
//
// The returned close function releases the modem and its port.
func openModem(ctx context.Context) (*bg96.Modem, func(), error) {
	p, err := serial.New(serial.WithPort(cfg.Serial.Port), serial.WithBaud(cfg.Serial.Baud))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", cfg.Serial.Port)
	}
	var mio io.ReadWriter = p
	if cfg.Log.Trace {
		options := []trace.Option{trace.WithLogger(log.Named("trace")), trace.WithLevel(zap.InfoLevel)}
		if cfg.Log.Hex {
			options = append(options, trace.WithHex())
		}
		mio = trace.New(p, options...)
	}
	d := at.New(mio, at.WithLogger(log.Named("at")))
	closer := func() {
		d.Close()
		p.Close()
	}
	if err = d.Init(ctx); err != nil {
		closer()
		return nil, nil, err
	}
	d.Start()
	options := []bg96.Option{bg96.WithLogger(log.Named("bg96"))}
	if tc, ok := tlsConfig(); ok {
		options = append(options, bg96.WithTLSConfig(tc))
	}
	return bg96.New(d, options...), closer, nil
}

func tlsConfig() (bg96.TLSConfig, bool) {
	tc := bg96.DefaultTLSConfig
	changed := false
	switch strings.ToLower(cfg.TLS.Version) {
	case "ssl3.0":
		tc.Version, changed = bg96.SSL30, true
	case "tls1.0":
		tc.Version, changed = bg96.TLS10, true
	case "tls1.1":
		tc.Version, changed = bg96.TLS11, true
	case "tls1.2":
		tc.Version, changed = bg96.TLS12, true
	}
	if cfg.TLS.SecLevel != 0 || cfg.TLS.CACert != "" {
		tc.SecLevel = bg96.SecLevel(cfg.TLS.SecLevel)
		tc.CACert = cfg.TLS.CACert
		changed = true
	}
	if !cfg.TLS.IgnoreLocalTime {
		tc.IgnoreLocalTime = false
		changed = true
	}
	return tc, changed
}
