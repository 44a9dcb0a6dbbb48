package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvDotenvPath names an explicit .env file when --env-file is not given.
const EnvDotenvPath = "ATTENDSYNC_DOTENV"

// searchDirs lists where attendsync.yaml and .env are looked up, in order.
func searchDirs() []string {
	dirs := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, defaultConfigName))
	}
	return dirs
}

// loadDotenv copies KEY=VALUE pairs into the process environment without
// overriding variables that are already set, and returns the file it used.
// An explicit path must exist.
func loadDotenv(explicit string) (string, error) {
	if path := strings.TrimSpace(explicit); path != "" {
		if err := godotenv.Load(path); err != nil {
			return "", errors.Wrapf(err, "load dotenv %s", path)
		}
		return path, nil
	}
	for _, dir := range searchDirs() {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			return "", errors.Wrapf(err, "load dotenv %s", candidate)
		}
		log.Debug().Str("dotenv", candidate).Msg("config: loaded .env")
		return candidate, nil
	}
	return "", nil
}
