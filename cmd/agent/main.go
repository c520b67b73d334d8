// Command cuemesh-agent runs the CueMesh playback agent: it connects to a
// coordinator (by configured URL or by mDNS auto-discovery), drives a
// local media player through the playback state machine, and persists
// any token the coordinator issues on acceptance.
//
// Grounded on _examples/rustyguts-bken/server/main.go's flag-parsing and
// signal-driven shutdown, adapted to spf13/cobra per
// _examples/LanternOps-breeze/agent/cmd/breeze-agent/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cuemesh/internal/agentconn"
	"cuemesh/internal/agentplayer"
	"cuemesh/internal/config"
	"cuemesh/internal/cue"
	"cuemesh/internal/discovery"
	"cuemesh/internal/logging"
	"cuemesh/internal/player"
)

var (
	cfgFile        string
	agentID        string
	coordinatorURL string
	dropoutPolicy  string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "cuemesh-agent",
	Short: "CueMesh playback agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./cuemesh-agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent-id", "", "agent identity advertised to the coordinator (overrides config)")
	rootCmd.PersistentFlags().StringVar(&coordinatorURL, "coordinator", "", "coordinator websocket URL, e.g. ws://host:7650/ws (overrides config, disables discovery)")
	rootCmd.PersistentFlags().StringVar(&dropoutPolicy, "dropout-policy", "", "continue|freeze|black (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent() error {
	v := viper.New()
	cfg, err := config.LoadAgent(v, cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if agentID != "" {
		cfg.AgentID = agentID
	}
	if coordinatorURL != "" {
		cfg.CoordinatorURL = coordinatorURL
		cfg.Discover = false
	}
	if dropoutPolicy != "" {
		cfg.DropoutPolicy = dropoutPolicy
	}
	if cfg.AgentID == "" {
		hostname, _ := os.Hostname()
		cfg.AgentID = hostname
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	log = logging.L("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if cfg.CoordinatorURL == "" {
		if !cfg.Discover {
			return fmt.Errorf("no coordinator URL configured and discovery disabled")
		}
		url, err := discoverCoordinator(ctx)
		if err != nil {
			return fmt.Errorf("discover coordinator: %w", err)
		}
		cfg.CoordinatorURL = url
	}

	mediaPlayer := player.NewMock(nil)
	driver := agentplayer.New(mediaPlayer, nil, cue.DefaultSyncConfig(), agentplayer.Events{
		OnTestscreen: func(on bool) {
			log.Info("testscreen", "on", on)
		},
	})
	driver.SetDropoutPolicy(cfg.DropoutPolicy)

	client := agentconn.New(cfg.CoordinatorURL, agentconn.Identity{
		AgentID:      cfg.AgentID,
		Hostname:     cfg.Hostname,
		Platform:     "linux",
		Capabilities: map[string]bool{"video": true, "image": true},
	}, driver)
	client.Token = func() string { return cfg.Token }
	client.OnToken = func(token string) {
		if token == "" || token == cfg.Token {
			return
		}
		cfg.Token = token
		if err := config.SaveAgent(v, cfgFile, cfg); err != nil {
			log.Warn("failed to persist issued token", "err", err)
		}
	}

	log.Info("starting agent", "agent_id", cfg.AgentID, "coordinator", cfg.CoordinatorURL)
	client.Run(ctx)
	return nil
}

// discoverCoordinator browses for a coordinator's mDNS advertisement and
// returns its websocket URL, taking the first one found.
func discoverCoordinator(ctx context.Context) (string, error) {
	browseCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	found := make(chan discovery.Found, 1)
	go func() {
		_ = discovery.Browse(browseCtx, func(f discovery.Found) {
			select {
			case found <- f:
			default:
			}
		})
	}()

	select {
	case f := <-found:
		cancel()
		url := fmt.Sprintf("ws://%s:%d/ws", f.Host, f.Port)
		log.Info("discovered coordinator", "controller_id", f.ControllerID, "url", url)
		return url, nil
	case <-browseCtx.Done():
		return "", fmt.Errorf("no coordinator found via mDNS within timeout")
	}
}
