package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	webhub "github.com/bsvalues/BCBSWebhub"
	"github.com/bsvalues/BCBSWebhub/internal/resilience"
	"github.com/bsvalues/BCBSWebhub/pkg/config"
)

// Version is set via ldflags.
var Version = "dev"

var (
	configFile string
	httpPort   int
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "webhub",
		Short: "County audit orchestration core",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("CONFIG_FILE"), "configuration file")
	root.PersistentFlags().IntVar(&httpPort, "http-port", 0, "HTTP port override")

	root.AddCommand(serveCmd(), resilienceCmd(), versionCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if httpPort != 0 {
		cfg.HTTPPort = httpPort
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("Starting Webhub Orchestrator v%s", Version)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return webhub.RunWithConfig(cfg)
		},
	}
}

func resilienceCmd() *cobra.Command {
	var (
		fault    string
		target   string
		duration time.Duration
		rateFlag float64
		taskWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resilience",
		Short: "Start the core, inject a fault, and report recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sys, err := webhub.NewSystem(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := sys.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if err := sys.Stop(context.Background()); err != nil {
					log.Printf("shutdown: %v", err)
				}
			}()

			// Let agents come up before injecting.
			time.Sleep(1 * time.Second)

			res, err := sys.Harness.RunTest(ctx, resilience.Options{
				Fault:       resilience.FaultType(fault),
				TargetAgent: target,
				Duration:    duration,
				Rate:        rateFlag,
				TaskWait:    taskWait,
			})
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			if !res.Recovered {
				return fmt.Errorf("system did not recover from %s", fault)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fault, "fault", string(resilience.ErrorStorm), "fault type to inject")
	cmd.Flags().StringVar(&target, "target", "echo-1", "target agent name")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "fault duration")
	cmd.Flags().Float64Var(&rateFlag, "rate", 5, "storm submissions per second")
	cmd.Flags().DurationVar(&taskWait, "task-wait", 5*time.Second, "per-task deadline before it is cancelled")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("webhub v%s\n", Version)
		},
	}
}
