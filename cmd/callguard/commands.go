package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/callguard"
	"github.com/ethiq/callguard/pkg/events"
	"github.com/ethiq/callguard/pkg/logging"
	"github.com/ethiq/callguard/pkg/runner"
)

const defaultConfigPath = "config/callguard.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "callguard",
		Short:         "Live phone-scam detection on Twilio media streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newTestAlertCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept media streams and raise fraud alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	cfg, err := callguard.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := callguard.NewEngine(ctx, callguard.EngineOptions{Config: cfg})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("shutdown_signal")
	return engine.Stop()
}

func newTestAlertCmd() *cobra.Command {
	var (
		configPath string
		callKey    string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "test-alert",
		Short: "Send one alert through the configured notifier, announcer and event publisher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := callguard.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
			notifier, announcer, err := callguard.DefaultProviders().BuildAlert(cfg)
			if err != nil {
				return err
			}
			publisher := events.New(cfg.Events)
			defer publisher.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			report := alert.NewDispatcher(notifier, announcer, publisher).Dispatch(ctx, alert.Alert{
				CallKey:    callKey,
				StreamID:   "test-alert",
				Transcript: "test alert",
				At:         time.Now(),
			})
			printReport(cmd, report)
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("alert steps failed: %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	cmd.Flags().StringVar(&callKey, "call-key", "", "conference friendly name to announce into")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "deadline for the whole dispatch")
	_ = cmd.MarkFlagRequired("call-key")
	return cmd
}

func printReport(cmd *cobra.Command, r alert.Report) {
	for _, step := range []alert.StepResult{r.Notify, r.Announce, r.Publish} {
		switch {
		case step.Skipped:
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s skipped\n", step.Step)
		case step.Err != nil:
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s failed  %v\n", step.Step, step.Err)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s ok      %s (%s)\n", step.Step, step.Ref, step.Duration.Round(time.Millisecond))
		}
	}
}
