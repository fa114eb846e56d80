package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuhang1130/taskdispatch"
	"github.com/yuhang1130/taskdispatch/pkg/mq"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Consume remote execution outcomes into task state",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hostname, _ := os.Hostname()
			consumer, err := mq.NewStreamConsumer(ctx, d.rdb,
				taskdispatch.OutcomeTopic, taskdispatch.OutcomeSub, hostname)
			if err != nil {
				return err
			}
			defer consumer.Close()
			producer := mq.NewStreamProducer(d.rdb)

			handler := taskdispatch.NewTaskHandler(d.store, d.locks)
			ingestor := taskdispatch.NewIngestor(d.store, handler)
			log.Info().Str("topic", taskdispatch.OutcomeTopic).Msg("starting outcome ingestion")
			if err := ingestor.Run(ctx, consumer, producer); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}
