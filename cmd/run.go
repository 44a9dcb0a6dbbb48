package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runContinuous(cmd *cobra.Command, _ []string) error {
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().
		Str("profile", rt.settings.Profile).
		Str("base_url", rt.backend.BaseURL()).
		Int("interval_seconds", rt.settings.SyncInterval).
		Msg("attendsync running, press Ctrl+C to stop")
	return rt.orch.Run(sigCtx)
}

func newSingleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "single",
		Short: "Run one sync cycle and exit",
		Long:  "Gate on backend health, sync every device once, exit 0 only when every device succeeded.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := rt.orch.RunSingle(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check backend connectivity and list devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := rt.orch.Probe(cmd.Context())
			if err != nil {
				rt.printer.PrintFailure("backend unreachable at %s: %v", rt.backend.BaseURL(), err)
				return &exitError{code: 1}
			}
			rt.printer.PrintProbe(rt.backend.BaseURL(), devices)
			return nil
		},
	}
}
