package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "attendsync",
	Short: "Sync biometric attendance devices against the HR backend",
	Long: `attendsync 周期性地发现考勤设备，并逐台触发 HR 后端的同步接口，
汇总每轮结果并输出状态报告。默认持续运行，Ctrl+C 结束并打印最终状态。`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupRuntime,
	RunE:              runContinuous,
}

var (
	flagAPIURL   string
	flagInterval int
	flagProfile  string
	flagLogFile  string
	flagLogLevel string
	flagConfig   string
	flagEnvFile  string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAPIURL, "api-url", "", "Backend base URL overriding $API_URL")
	flags.IntVar(&flagInterval, "interval", 0, "Seconds between sync cycles overriding $SYNC_INTERVAL")
	flags.StringVar(&flagProfile, "profile", "", "Deployment profile: generic or hosted (auto-detected when empty)")
	flags.StringVar(&flagLogFile, "log-file", "", "Append-only log file overriding $SYNC_LOG_FILE")
	flags.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&flagConfig, "config", "", "Explicit attendsync.yaml path")
	flags.StringVar(&flagEnvFile, "env-file", "", "Explicit .env file overriding $ATTENDSYNC_DOTENV")

	rootCmd.AddCommand(
		newSingleCmd(),
		newStatusCmd(),
		newTestCmd(),
		newInfoCmd(),
		newHistoryCmd(),
	)
}

func main() {
	err := rootCmd.Execute()
	closeRuntime()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	log.Fatal().Err(err).Msg("attendsync command failed")
}

// exitError ends the process with a status code without logging a failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}
