package run

import (
	stdlog "log"

	"github.com/raidanetwork/raida-go/conf"
	"github.com/raidanetwork/raida-go/log"
	"github.com/raidanetwork/raida-go/node"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var confPath string

func init() {
	Cmd.Flags().StringVarP(&confPath, "config", "c", "", "Path to the configuration file; defaults apply when omitted.")
}

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the transport node.",
	Long:  `The 'run' command reads the YAML configuration file and starts the reactor.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := conf.Default()
		if confPath != "" {
			loaded, err := conf.LoadFromFile(confPath)
			if err != nil {
				stdlog.Fatalf("Failed to load configuration: %v", err)
			}
			cfg = loaded
		}

		if err := log.InitLogger(cfg.Log.Level); err != nil {
			stdlog.Fatalf("Failed to initialize logger: %v", err)
		}
		defer log.Logger.Sync()

		s := node.NewServer(nodeConfig(cfg))
		if err := s.Run(); err != nil {
			log.Logger.Fatal("server exited with error", zap.Error(err))
		}
	},
}

// nodeConfig maps the YAML surface onto the transport's Config.
func nodeConfig(cfg *conf.Conf) node.Config {
	return node.Config{
		TCPAddr:     cfg.Listen.TCP,
		UDPAddr:     cfg.Listen.UDP,
		Backlog:     cfg.Listen.Backlog,
		MaxFDs:      cfg.Limits.MaxFDs,
		MaxBodySize: cfg.Limits.MaxBodySize,
		UDPPoolSize: cfg.Limits.UDPPoolSize,
		MaxEvents:   cfg.Limits.MaxEvents,
		Workers:     cfg.Workers.Count,
		WorkerQueue: cfg.Workers.Queue,
		PollTimeout: cfg.Timeouts.Poll,
		IdleTimeout: cfg.Timeouts.Idle,
	}
}
