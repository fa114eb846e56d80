package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuhang1130/taskdispatch"
	"github.com/yuhang1130/taskdispatch/internal/config"
)

func newServeCmd() *cobra.Command {
	var flagWorkers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the master dispatcher with its worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.close()

			workers := flagWorkers
			if workers <= 0 {
				workers = config.Int("WORKERS", taskdispatch.DefaultWorkerCount)
			}
			handler := taskdispatch.NewTaskHandler(d.store, d.locks)
			sweeper := taskdispatch.NewSweeper(d.store, handler)
			master := taskdispatch.NewMaster(
				taskdispatch.MasterConfig{Workers: workers},
				d.store, d.locks, d.remote, d.queue, handler, sweeper,
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info().Int("workers", workers).Msg("starting dispatch engine")
			return master.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "Worker pool size (default from WORKERS)")
	return cmd
}
