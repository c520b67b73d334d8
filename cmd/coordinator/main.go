// Command cuemesh-coordinator runs the CueMesh coordinator: the websocket
// control channel, the operator HTTP command API, the trust store, and
// (optionally) mDNS advertisement and automated show playback.
//
// Grounded on _examples/rustyguts-bken/server/main.go's flag-parsing and
// signal-driven shutdown, adapted to spf13/cobra per
// _examples/LanternOps-breeze/agent/cmd/breeze-agent/main.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cuemesh/internal/config"
	"cuemesh/internal/coordinator"
	"cuemesh/internal/cue"
	"cuemesh/internal/discovery"
	"cuemesh/internal/logging"
	"cuemesh/internal/protocol"
	"cuemesh/internal/session"
	"cuemesh/internal/trust"
)

var (
	cfgFile    string
	listenAddr string
	dbPath     string
	coordID    string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "cuemesh-coordinator",
	Short: "CueMesh coordinator: control-channel server and sync engine",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordinator and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoordinator(nil)
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show-file commands",
}

var showRunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Start the coordinator and automatically sequence a show's cues",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoordinator(&args[0])
	},
}

var showValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a show file and report missing media, without starting the coordinator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		show, err := cue.LoadShow(args[0])
		if err != nil {
			return err
		}
		if errs := show.Validate(); len(errs) > 0 {
			for _, e := range errs {
				fmt.Println("error:", e)
			}
			return fmt.Errorf("show validation failed with %d error(s)", len(errs))
		}
		for _, warning := range coordinator.PreflightReport(show, ".") {
			fmt.Println("warning:", warning)
		}
		fmt.Println("show is valid:", show.Title)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./cuemesh-coordinator.yaml)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "HTTP/websocket listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "trust store SQLite path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&coordID, "coordinator-id", "", "coordinator identity advertised to agents (overrides config)")

	rootCmd.AddCommand(runCmd)
	showCmd.AddCommand(showRunCmd, showValidateCmd)
	rootCmd.AddCommand(showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runCoordinator starts the full coordinator stack. When showFile is
// non-nil, it also loads that show and, once at least one agent is
// accepted, drives it end-to-end via coordinator.ShowRunner.
func runCoordinator(showFile *string) error {
	v := viper.New()
	cfg, err := config.LoadCoordinator(v, cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if coordID != "" {
		cfg.CoordinatorID = coordID
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	log = logging.L("main")

	trustStore, err := trust.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	defer trustStore.Close()

	var show *cue.Show
	if showFile != nil {
		show, err = cue.LoadShow(*showFile)
		if err != nil {
			return fmt.Errorf("load show %s: %w", *showFile, err)
		}
		if errs := show.Validate(); len(errs) > 0 {
			return fmt.Errorf("show validation failed: %v", errs)
		}
		for _, warning := range coordinator.PreflightReport(show, cfg.MediaRoot) {
			log.Warn("preflight: media missing", "detail", warning)
		}
		cfg.InstanceName = show.Title
	}

	manager := session.NewManager(trustStore, session.Events{
		OnSessionAdmitted: func(agentID string, status session.Status) {
			log.Info("agent session admitted", "agent_id", agentID, "status", status)
		},
		OnStatus: func(agentID string, p protocol.StatusPayload) {
			log.Debug("agent status", "agent_id", agentID, "state", p.State, "cue_id", p.CueID)
		},
		OnDrift: func(agentID string, p protocol.DriftPayload) {
			log.Debug("agent drift", "agent_id", agentID, "drift_ms", p.DriftMs)
		},
		OnLog: func(agentID string, p protocol.LogPayload) {
			log.Log(context.Background(), logLevel(p.Level), p.Message, "agent_id", agentID)
		},
	})

	srv := coordinator.New(cfg.CoordinatorID, manager)
	if show != nil {
		srv.SetShow(show)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go manager.RunSyncProbe(ctx)

	if cfg.Advertise {
		port := portFromAddr(cfg.ListenAddr)
		showTitle := "CueMesh"
		if show != nil {
			showTitle = show.Title
		}
		adv, err := discovery.Advertise(cfg.InstanceName, port, cfg.CoordinatorID, showTitle)
		if err != nil {
			log.Warn("mDNS advertisement failed, continuing without discovery", "err", err)
		} else {
			defer adv.Shutdown()
		}
	}

	if showFile != nil {
		go func() {
			runner := coordinator.NewShowRunner(manager, show)
			waitForFirstAcceptedSession(ctx, manager)
			if ctx.Err() != nil {
				return
			}
			log.Info("show run: starting", "title", show.Title)
			if err := runner.Run(ctx); err != nil {
				log.Error("show run failed", "err", err)
			}
		}()
	}

	return srv.Run(ctx, cfg.ListenAddr)
}

func waitForFirstAcceptedSession(ctx context.Context, manager *session.Manager) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, snap := range manager.Snapshots() {
			if snap.Status == session.StatusAccepted {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func portFromAddr(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			fmt.Sscanf(addr[i+1:], "%d", &port)
			return port
		}
	}
	return 0
}
