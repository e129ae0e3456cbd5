package main

// Config is the node daemon's runtime configuration, bound from
// flags/env/config-file by viper the way the rest of the pack's
// cobra+viper CLIs do (§SPEC_FULL Ambient stack: configuration).
type Config struct {
	NodeID      uint8             `mapstructure:"node-id"`
	ListenAddr  string            `mapstructure:"listen-addr"`
	MetricsAddr string            `mapstructure:"metrics-addr"`
	Peers       map[string]string `mapstructure:"peers"`
	NumSlots    int               `mapstructure:"slots"`
	NumFrames   int               `mapstructure:"frames"`
}
