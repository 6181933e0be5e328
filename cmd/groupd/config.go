package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NodeConfig is the on-disk override for serve's flag defaults. Flags
// set explicitly on the command line still win; NodeConfig only fills
// in values the operator didn't pass, so a fleet can ship one file per
// environment and still override a single field ad hoc.
type NodeConfig struct {
	NodeID     string        `yaml:"nodeId"`
	BindAddr   string        `yaml:"bindAddr"`
	DataDir    string        `yaml:"dataDir"`
	HTTPAddr   string        `yaml:"httpAddr"`
	Bootstrap  *bool         `yaml:"bootstrap"`
	Expiration time.Duration `yaml:"expiration"`
}

func loadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// applyNodeConfig fills in cmd's flag values from cfg wherever the
// operator left the flag at its default (Changed is false), so that
// an explicit flag on the command line always takes precedence over
// the config file.
func applyNodeConfig(cmd *cobra.Command, cfg NodeConfig) {
	flags := cmd.Flags()

	setIfUnchanged := func(name, value string) {
		if value != "" && !flags.Changed(name) {
			_ = flags.Set(name, value)
		}
	}

	setIfUnchanged("node-id", cfg.NodeID)
	setIfUnchanged("bind-addr", cfg.BindAddr)
	setIfUnchanged("data-dir", cfg.DataDir)
	setIfUnchanged("http-addr", cfg.HTTPAddr)

	if cfg.Bootstrap != nil && !flags.Changed("bootstrap") {
		_ = flags.Set("bootstrap", fmt.Sprintf("%t", *cfg.Bootstrap))
	}
	if cfg.Expiration > 0 && !flags.Changed("expiration") {
		_ = flags.Set("expiration", cfg.Expiration.String())
	}
}
