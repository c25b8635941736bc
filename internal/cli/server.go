package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/engine"
	"github.com/policyshield/policyshield/internal/httpapi"
	"github.com/policyshield/policyshield/internal/model"
	"github.com/policyshield/policyshield/internal/notify"
	"github.com/policyshield/policyshield/internal/ruleset"
	"github.com/policyshield/policyshield/internal/trace"
)

var (
	serverRules    string
	serverPort     int
	serverHost     string
	serverTraceLog string
)

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverRules, "rules", "", "Path to rules YAML (required)")
	serverCmd.Flags().IntVar(&serverPort, "port", 8090, "HTTP listen port")
	serverCmd.Flags().StringVar(&serverHost, "host", "127.0.0.1", "HTTP listen host")
	serverCmd.Flags().StringVar(&serverTraceLog, "trace-log", "", "Path to trace JSONL file")
	serverCmd.MarkFlagRequired("rules")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP policy server",
	Long:  "Runs PolicyShield as a sidecar HTTP server.\nAgent frameworks POST tool calls to /api/v1/check for a verdict.\nSupports hot-reload of the rules file.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServer())
	},
}

// runServer returns the process exit code: 0 clean, 1 fatal startup
// error, 2 kill-switch-requested shutdown.
func runServer() int {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	rs, err := ruleset.Load(serverRules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	var tracer *trace.Recorder
	if serverTraceLog != "" {
		tracer, err = trace.Open(serverTraceLog, trace.DefaultFlushThreshold)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: open trace log: %v\n", err)
			return 1
		}
		defer tracer.Close()
	}

	mode := model.Mode(os.Getenv("POLICYSHIELD_MODE"))
	switch mode {
	case model.ModeEnforce, model.ModeAudit, model.ModeDisabled:
	case "":
		mode = model.ModeEnforce
	default:
		fmt.Fprintf(os.Stderr, "FATAL: unknown POLICYSHIELD_MODE %q\n", mode)
		return 1
	}

	eng := engine.New(rs, tracer, engine.Options{
		Mode:     mode,
		Notifier: notify.FromEnv(),
		Logger:   logger,
	})
	eng.Start()
	defer eng.Stop()

	srv := httpapi.New(httpapi.Config{
		Host:      serverHost,
		Port:      serverPort,
		RulesPath: serverRules,
		APIToken:  os.Getenv("POLICYSHIELD_API_TOKEN"),
		Logger:    logger,
	}, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hotReload := "hot-reload enabled"
	reloader, err := httpapi.NewReloader(srv, []string{serverRules})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		hotReload = "hot-reload disabled"
	} else {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := make(chan int, 1)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down policy server...")
			exitCode <- 0
		case reason := <-eng.ShutdownRequested():
			logger.Warn().Str("reason", reason).Msg("kill-switch shutdown requested")
			exitCode <- 2
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "policyshield server listening on %s:%d\n", serverHost, serverPort)
	fmt.Fprintf(os.Stderr, "Rules: %s (%s)\n", serverRules, hotReload)
	if mode != model.ModeEnforce {
		fmt.Fprintf(os.Stderr, "Mode: %s\n", mode)
	}
	fmt.Fprintln(os.Stderr)

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	if tracer != nil {
		tracer.Flush()
	}
	select {
	case code := <-exitCode:
		return code
	default:
		return 0
	}
}
