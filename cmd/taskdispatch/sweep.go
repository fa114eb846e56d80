package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuhang1130/taskdispatch"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one timeout sweep pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.close()

			handler := taskdispatch.NewTaskHandler(d.store, d.locks)
			sweeper := taskdispatch.NewSweeper(d.store, handler)
			log.Info().Msg("running timeout sweep")
			sweeper.Sweep(cmd.Context())
			return nil
		},
	}
}
