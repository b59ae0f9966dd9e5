package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/zmlAEQ/mlsnet/internal/config"
	"github.com/zmlAEQ/mlsnet/internal/mls"
	"github.com/zmlAEQ/mlsnet/internal/monitoring"
	"github.com/zmlAEQ/mlsnet/internal/node"
	"github.com/zmlAEQ/mlsnet/internal/p2p"
	"github.com/zmlAEQ/mlsnet/pkg/lifecycle"
	"github.com/zmlAEQ/mlsnet/pkg/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath   string
		listen    string
		bootnodes string
		logFile   string
		flagCfg   = config.Default()
	)
	root := &cobra.Command{
		Use:           "mls-node",
		Short:         "Serverless MLS group chat node",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("listen") {
				cfg.Listen = config.SplitList(listen)
			}
			if f.Changed("bootnodes") {
				if cfg.Bootnodes, err = config.ParseBootnodes(bootnodes); err != nil {
					return err
				}
			}
			if f.Changed("nat") {
				cfg.NAT = flagCfg.NAT
			}
			if f.Changed("mdns") {
				cfg.MDNS = flagCfg.MDNS
			}
			if f.Changed("rendezvous") {
				cfg.Rendezvous = flagCfg.Rendezvous
			}
			if f.Changed("monitoring") {
				cfg.Monitoring = flagCfg.Monitoring
			}
			if f.Changed("join-timeout") {
				cfg.JoinTimeout = flagCfg.JoinTimeout
			}
			if f.Changed("log-level") {
				cfg.LogLevel = flagCfg.LogLevel
			}
			if f.Changed("fail-fast") {
				cfg.FailFast = flagCfg.FailFast
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logFile)
		},
	}
	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "YAML config file")
	f.StringVar(&listen, "listen", strings.Join(flagCfg.Listen, ","), "Comma-separated listen multiaddrs")
	f.StringVar(&bootnodes, "bootnodes", "", "Comma-separated bootnode multiaddrs or path to file")
	f.BoolVar(&flagCfg.NAT, "nat", flagCfg.NAT, "Enable NAT port mapping")
	f.BoolVar(&flagCfg.MDNS, "mdns", flagCfg.MDNS, "Enable mDNS discovery on the local network")
	f.StringVar(&flagCfg.Rendezvous, "rendezvous", flagCfg.Rendezvous, "mDNS service name")
	f.StringVar(&flagCfg.Monitoring, "monitoring", flagCfg.Monitoring, "Monitoring listen address (empty disables)")
	f.DurationVar(&flagCfg.JoinTimeout, "join-timeout", flagCfg.JoinTimeout, "How long join waits for a welcome")
	f.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "debug, info, warn or error")
	f.BoolVar(&flagCfg.FailFast, "fail-fast", false, "Exit non-zero on the first failing command")
	f.StringVar(&logFile, "log-file", "", "Write JSON logs here instead of stderr")
	return root
}

func run(parent context.Context, cfg config.Config, logFile string) error {
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if logFile != "" {
		fh, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer fh.Close()
		logger.SetOutput(zapcore.AddSync(fh))
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	netKey, signer, err := p2p.NewIdentity()
	if err != nil {
		return err
	}
	tr, err := p2p.BuildTransport(p2p.NetConfig{
		Identity:   netKey,
		Listen:     cfg.Listen,
		Bootnodes:  cfg.Bootnodes,
		NAT:        cfg.NAT,
		MDNS:       cfg.MDNS,
		Rendezvous: cfg.Rendezvous,
	})
	if err != nil {
		return err
	}
	engine := mls.NewEngine([]byte(tr.Self()), signer)
	n, err := node.New(node.Config{JoinTimeout: cfg.JoinTimeout, PresenceInterval: cfg.PresenceInterval}, tr, engine)
	if err != nil {
		return err
	}

	m := lifecycle.New()
	m.Add(p2p.NewNetService(tr))
	m.Add(n)
	if cfg.Monitoring != "" {
		m.Add(monitoring.New(cfg.Monitoring, func() any { return n.Status() }))
	}
	if err := m.StartAll(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := m.StopAll(stopCtx); err != nil {
			logger.Error(err.Error())
		}
	}()

	r := newREPL(n, os.Stdout, cfg.FailFast)
	r.printf("%s %s\n", accentStyle.Render("peer"), tr.Self())
	for _, a := range tr.Addrs() {
		r.printf("%s %s\n", mutedStyle.Render("listening on"), a)
	}
	r.printf("%s\n", mutedStyle.Render("commands: create | join <peer> | send <message> | leave | status | peers | help"))
	go r.printMessages(ctx)
	return r.Run(ctx, os.Stdin)
}
