package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuhang1130/taskdispatch/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "taskdispatch",
	Short: "Script-task dispatch engine for remote device fleets",
	Long: `taskdispatch runs the master/worker dispatch engine: it hands due
script tasks to a bounded worker pool under per-device distributed locks,
ingests remote execution outcomes from the message queue, and sweeps stuck
executions on a timer.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newServeCmd(),
		newSweepCmd(),
		newIngestCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("taskdispatch command failed")
	}
}
