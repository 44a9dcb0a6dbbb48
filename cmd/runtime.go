package main

import (
	"io"
	"time"

	attendsync "github.com/mof-lk/attendsync"
	"github.com/mof-lk/attendsync/internal/config"
	"github.com/mof-lk/attendsync/internal/feishu"
	"github.com/mof-lk/attendsync/internal/report"
	"github.com/mof-lk/attendsync/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// runtimeState is built once per invocation by setupRuntime.
type runtimeState struct {
	settings *config.Settings
	backend  *attendsync.HTTPBackend
	history  *storage.HistoryStore
	printer  *report.Printer
	orch     *attendsync.Orchestrator
	closers  []io.Closer
}

var rt *runtimeState

func setupRuntime(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load(config.Options{
		ConfigFile: flagConfig,
		Flags:      cmd.Flags(),
		Dotenv:     flagEnvFile,
	})
	if err != nil {
		return err
	}
	state := &runtimeState{settings: settings, printer: report.NewPrinter(cmd.OutOrStdout())}
	rt = state

	logCloser, err := setupLogging(settings.LogFile, settings.LogLevel)
	if err != nil {
		return err
	}
	if logCloser != nil {
		state.closers = append(state.closers, logCloser)
	}

	state.backend, err = attendsync.NewHTTPBackend(settings.BaseURL, attendsync.HTTPOptions{Token: settings.Token})
	if err != nil {
		return err
	}

	var recorders attendsync.MultiRecorder
	if settings.HistoryDBPath != "" {
		state.history, err = storage.OpenHistory(settings.HistoryDBPath)
		if err != nil {
			return err
		}
		state.closers = append(state.closers, state.history)
		recorders = append(recorders, state.history)
	}
	if settings.Feishu.Enabled() {
		ledger, err := feishu.NewCycleRecorder(feishu.Options{
			AppID:      settings.Feishu.AppID,
			AppSecret:  settings.Feishu.AppSecret,
			TenantKey:  settings.Feishu.TenantKey,
			BaseURL:    settings.Feishu.BaseURL,
			BitableURL: settings.Feishu.BitableURL,
		})
		if err != nil {
			return err
		}
		recorders = append(recorders, ledger)
	}

	health := attendsync.GenericHealthPolicy()
	if settings.Profile == attendsync.ProfileHosted {
		health = attendsync.HostedHealthPolicy(state.backend)
	}
	cfg := attendsync.Config{
		Backend:      state.backend,
		Profile:      settings.Profile,
		BaseURL:      settings.BaseURL,
		SyncInterval: time.Duration(settings.SyncInterval) * time.Second,
		DeviceDelay:  time.Duration(settings.DeviceDelay) * time.Second,
		StatusEvery:  settings.StatusEvery,
		Health:       health,
		Reporter:     state.printer,
		Deployment:   settings.Deployment(),
	}
	if len(recorders) > 0 {
		cfg.Recorder = recorders
	}
	state.orch, err = attendsync.NewOrchestrator(cfg)
	if err != nil {
		return err
	}
	log.Debug().
		Str("profile", settings.Profile).
		Str("base_url", state.backend.BaseURL()).
		Str("dotenv", settings.DotenvPath).
		Str("log_file", settings.LogFile).
		Str("history_db", state.history.Path()).
		Bool("feishu_ledger", settings.Feishu.Enabled()).
		Msg("runtime ready")
	return nil
}

func closeRuntime() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close resource failed")
		}
	}
	rt = nil
}
