// Copyright 2024 The Proxy Magic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd is the command line surface of the proxy.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	proxymagic "github.com/proxymagic/proxymagic"
	"github.com/proxymagic/proxymagic/pki"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	flagConfig string
	flagRules  string
	flagPort   int
	flagLog    string
	flagUI     bool
	flagDebug  bool
)

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "proxymagic",
		Short: "An intercepting HTTP/HTTPS proxy for development",
		Long: `proxymagic is an intercepting forward proxy for development and
debugging. It terminates TLS with certificates minted under a local
root CA and routes every transaction through user-defined rules that
can redirect, rewrite, or answer requests.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy()
		},
	}

	root.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ToLower(name))
	})

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to the configuration file")
	root.Flags().StringVarP(&flagRules, "rules", "r", "", "rules directory (overrides config)")
	root.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides config)")
	root.Flags().StringVarP(&flagLog, "log", "l", "", "log level: 0|errors, 1|basic, 2|debug")
	root.Flags().BoolVar(&flagUI, "ui", false, "emit the structured event stream for an external UI")
	root.Flags().BoolVar(&flagDebug, "debug", false, "verbose rule loader diagnostics")

	root.AddCommand(
		runCmd(),
		createCertCmd(),
		trustCmd(),
		untrustCmd(),
		versionCmd(),
	)
	return root
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy (the default when no subcommand is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy()
		},
	}
	cmd.Flags().StringVarP(&flagRules, "rules", "r", "", "rules directory (overrides config)")
	cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides config)")
	cmd.Flags().StringVarP(&flagLog, "log", "l", "", "log level: 0|errors, 1|basic, 2|debug")
	cmd.Flags().BoolVar(&flagUI, "ui", false, "emit the structured event stream for an external UI")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "verbose rule loader diagnostics")
	return cmd
}

func createCertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-cert",
		Short: "Generate the root CA if it does not exist, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			ca, err := pki.LoadOrGenerateCA(cfg.Proxy.CACertDir, log.Named("pki"))
			if err != nil {
				return err
			}
			fmt.Printf("Root CA ready.\n  certificate: %s\n  subject:     %s\n",
				pki.CertPath(cfg.Proxy.CACertDir), ca.Root.Subject.CommonName)
			fmt.Println("Run 'proxymagic trust' to install it into the system trust stores.")
			return nil
		},
	}
}

func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust",
		Short: "Install the root CA into the system trust stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			ca, err := pki.LoadOrGenerateCA(cfg.Proxy.CACertDir, log.Named("pki"))
			if err != nil {
				return err
			}
			if err := ca.InstallRoot(); err != nil {
				return fmt.Errorf("installing root certificate: %w", err)
			}
			fmt.Println("Root CA installed. Browsers may need a restart.")
			return nil
		},
	}
}

func untrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "untrust",
		Short: "Remove the root CA from the system trust stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			ca, err := pki.LoadOrGenerateCA(cfg.Proxy.CACertDir, log.Named("pki"))
			if err != nil {
				return err
			}
			if err := ca.UninstallRoot(); err != nil {
				return fmt.Errorf("removing root certificate: %w", err)
			}
			fmt.Println("Root CA removed from the system trust stores.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

// loadConfigAndLogger resolves the effective configuration from file,
// environment, and flags, then builds the process logger from it.
func loadConfigAndLogger() (*proxymagic.Config, *zap.Logger, error) {
	cfg, err := proxymagic.LoadConfig(flagConfig)
	if err != nil {
		return nil, nil, err
	}

	if flagRules != "" {
		cfg.RulesDir = flagRules
	}
	if flagPort != 0 {
		cfg.Proxy.Port = flagPort
	}
	if flagLog != "" {
		lvl, err := proxymagic.ParseLogLevel(flagLog)
		if err != nil {
			return nil, nil, err
		}
		// PROXY_LOG_LEVEL outranks the flag.
		if _, envSet := os.LookupEnv("PROXY_LOG_LEVEL"); !envSet {
			cfg.Proxy.LogLevel = lvl
		}
	}
	if flagUI {
		cfg.UI = true
	}
	if flagDebug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log := proxymagic.NewLogger(cfg.Proxy.LogLevel)
	proxymagic.SetLogger(log)
	return cfg, log, nil
}

func runProxy() error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	app, err := proxymagic.NewApp(cfg, log)
	if err != nil {
		return err
	}

	os.Exit(proxymagic.Run(app))
	return nil
}

// Main is the entry point called by the binary's main package.
func Main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(proxymagic.ExitCodeFailedStartup)
	}
}
