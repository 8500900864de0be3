package main

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/scopesync/internal/config"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	QUICAddr   string
	WSAddr     string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand creates the scopesync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scopesync",
		Short: "Per-connection state replication server",
		Long: `scopesync replicates an entity/component world to every connected
client, each seeing only the entities in its scope, over QUIC datagrams or
WebSocket binary frames.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.QUICAddr, "quic-addr", "", "QUIC listen address (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.WSAddr, "ws-addr", "", "WebSocket listen address (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error|silent (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "json|console (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	return cmd
}

// load reads the config file and applies the flag overrides. The value
// "off" for an address disables that listener.
func (o *RootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("quic-addr") {
		cfg.QUICAddr = listenAddr(o.QUICAddr)
	}
	if flags.Changed("ws-addr") {
		cfg.WSAddr = listenAddr(o.WSAddr)
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.LogFormat
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func listenAddr(s string) string {
	if s == "off" {
		return ""
	}
	return s
}
