package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     Config
	bindErr error
)

var rootCmd = &cobra.Command{
	Use:   "piosd",
	Short: "Run one node of a determinate-parallel process substrate",
	Long: `piosd runs one cluster node: a process table, a COW/merge page
manager, and the migration and page-pull endpoints that let processes
move between nodes and touch pages that live elsewhere.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("piosd: reading config: %w", err)
			}
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("piosd: decoding config: %w", err)
		}
		return runDaemon(cfg)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.Uint8("node-id", 1, "this node's cluster id (1-8)")
	flags.String("listen-addr", "127.0.0.1:7670", "UDP address to receive migration/pull traffic on")
	flags.String("metrics-addr", "127.0.0.1:9670", "HTTP address to serve /metrics and /prof on")
	flags.Int("slots", 64, "number of process-table slots")
	flags.Int("frames", 1<<16, "number of physical page frames in the arena")
	flags.StringToString("peers", nil, "node-id=host:port pairs this node can migrate to/from")

	bindErr = viper.BindPFlags(flags)
}

func parsePeers(raw map[string]string) (map[uint8]string, error) {
	out := make(map[uint8]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("piosd: bad peer node id %q: %w", k, err)
		}
		out[uint8(id)] = v
	}
	return out, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}
