package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables consulted by GetDefaults, most specific first.
const (
	EnvConfigPath = "AUTOPUSH_CONFIG_PATH"
	EnvHome       = "AUTOPUSH_HOME"
)

// Defaults are the locations used before a config file exists.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// GetDefaults resolves the config file and data directory.
//
// The config file is $AUTOPUSH_CONFIG_PATH, else $XDG_CONFIG_HOME/autopush.toml,
// else ~/.config/autopush.toml. The data directory is $AUTOPUSH_HOME, else
// $XDG_DATA_HOME/autopush, else ~/.local/share/autopush.
func GetDefaults() (Defaults, error) {
	configPath, err := resolve(EnvConfigPath, "XDG_CONFIG_HOME", "autopush.toml", ".config")
	if err != nil {
		return Defaults{}, err
	}
	baseDir, err := resolve(EnvHome, "XDG_DATA_HOME", "autopush", ".local", "share")
	if err != nil {
		return Defaults{}, err
	}
	return Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

// resolve returns $env, else $xdgEnv/name, else ~/<homeRel...>/name.
func resolve(env, xdgEnv, name string, homeRel ...string) (string, error) {
	if p := os.Getenv(env); p != "" {
		return p, nil
	}
	if dir := os.Getenv(xdgEnv); filepath.IsAbs(dir) {
		return filepath.Join(dir, name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append(append([]string{home}, homeRel...), name)...), nil
}
