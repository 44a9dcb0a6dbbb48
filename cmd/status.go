package main

import (
	attendsync "github.com/mof-lk/attendsync"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current sync status",
		Long:  "Print the orchestrator status. When SYNC_HISTORY_DB_PATH is set, last sync times come from the history database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot := rt.orch.Snapshot()
			if rt.history != nil {
				last, err := rt.history.LastSuccessfulSyncs(cmd.Context())
				if err != nil {
					log.Warn().Err(err).Msg("read persisted sync times failed")
				} else {
					snapshot.LastSyncs = attendsync.BuildLastSyncs(last, snapshot.Now)
				}
			}
			rt.printer.ReportStatus(snapshot)
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	var flagFormat string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print deployment metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.printer.PrintDeployment(rt.settings.Deployment(), flagFormat)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "json", "Output format: json or yaml")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var flagLimit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently recorded sync cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.history == nil {
				return errors.New("history is disabled, set SYNC_HISTORY_DB_PATH to enable it")
			}
			rows, err := rt.history.RecentCycles(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			log.Debug().Str("history_db", rt.history.Path()).Int("rows", len(rows)).Msg("history loaded")
			rt.printer.PrintHistory(rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Number of cycles to show")
	return cmd
}
