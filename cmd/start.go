package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RAttab/slick-network/discovery"
	"github.com/RAttab/slick-network/logger"
	"github.com/RAttab/slick-network/node"
)

var (
	name        string
	port        uint16
	seeds       []string
	ttl         time.Duration
	period      time.Duration
	connExp     time.Duration
	configFile  string
	metricsAddr string
	publishKVs  []string
	watchKeys   []string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a discovery node",
	Long: `Start a discovery node.

Examples:
  # Start a seed node
  slick start --name=node-1 --port=18888

  # Join through a seed and publish an endpoint
  slick start --name=node-2 --port=18889 --seeds=127.0.0.1:18888 \
      --publish=db=10.0.0.4:5432

  # Watch a key and print every value that shows up
  slick start --port=18890 --seeds=127.0.0.1:18888 --discover=db`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&name, "name", "n", node.DefaultName, "Node name used in logs")
	startCmd.Flags().Uint16VarP(&port, "port", "p", node.DefaultPort, "Port to listen on (0 for ephemeral)")
	startCmd.Flags().StringSliceVarP(&seeds, "seeds", "s", []string{}, "Seed node addresses (comma-separated)")
	startCmd.Flags().DurationVar(&ttl, "ttl", discovery.DefaultTTL, "Advertisement TTL")
	startCmd.Flags().DurationVar(&period, "period", discovery.DefaultPeriod, "Gossip maintenance period")
	startCmd.Flags().DurationVar(&connExp, "conn-expiration", discovery.DefaultConnExpThresh, "Handshake probation window")
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file (yaml/json/toml); flags win over file values")
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	startCmd.Flags().StringArrayVar(&publishKVs, "publish", nil, "key=value to publish at startup (repeatable)")
	startCmd.Flags().StringArrayVar(&watchKeys, "discover", nil, "Key to watch and print (repeatable)")
}

func runStart(cmd *cobra.Command, args []string) error {
	logger.Init("", true)

	config := node.DefaultConfig(name)
	if configFile != "" {
		if err := config.LoadFile(configFile); err != nil {
			return err
		}
	}

	// Explicit flags override the config file.
	flags := cmd.Flags()
	if flags.Changed("name") {
		config.Name = name
	}
	if flags.Changed("port") {
		config.Port = port
	}
	if flags.Changed("seeds") {
		config.Seeds = seeds
	}
	if flags.Changed("ttl") {
		config.TTL = ttl
	}
	if flags.Changed("period") {
		config.Period = period
	}
	if flags.Changed("conn-expiration") {
		config.ConnExpThresh = connExp
	}
	if flags.Changed("metrics-addr") {
		config.MetricsAddr = metricsAddr
	}

	n, err := node.New(config)
	if err != nil {
		log.Fatalf("failed to create node: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("failed to start node: %v", err)
	}

	for _, kv := range publishKVs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --publish %q: want key=value", kv)
		}
		n.Publish(key, []byte(value))
	}

	for i, key := range watchKeys {
		n.Discover(key, discovery.WatchHandle(i+1),
			func(found bool, key string, keyID uuid.UUID, payload []byte) {
				if found {
					logger.Infof("discovered %s = %q (%s)", key, payload, keyID)
				} else {
					logger.Infof("lost %s (%s)", key, keyID)
				}
			})
	}

	// Wait for interrupt signal for graceful shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Infof("shutting down...")
	if err := n.Stop(); err != nil {
		logger.Errorf("error during shutdown: %v", err)
	}
	return nil
}
