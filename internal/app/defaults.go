package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults are the locations used when the config does not say otherwise.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// GetDefaults resolves the default locations. REWIND_CONFIG_PATH and
// REWIND_HOME override the config file and base directory. Root, which
// restores need for ownership replay, gets system paths; other users get
// XDG paths below their home directory.
func GetDefaults() (Defaults, error) {
	return resolveDefaults(os.Getenv, os.Geteuid() == 0, os.UserHomeDir)
}

func resolveDefaults(getenv func(string) string, root bool, home func() (string, error)) (Defaults, error) {
	var d Defaults
	if root {
		d = Defaults{
			ConfigPath: "/etc/rewind/rewind.toml",
			BaseDir:    "/var/lib/rewind",
			LogDir:     "/var/log/rewind",
		}
	} else {
		dir, err := home()
		if err != nil {
			return Defaults{}, fmt.Errorf("cannot determine home directory: %w", err)
		}
		base := filepath.Join(dir, ".local", "share", "rewind")
		d = Defaults{
			ConfigPath: filepath.Join(dir, ".config", "rewind.toml"),
			BaseDir:    base,
			LogDir:     filepath.Join(base, "log"),
		}
	}

	if p := getenv("REWIND_CONFIG_PATH"); p != "" {
		d.ConfigPath = p
	}
	if p := getenv("REWIND_HOME"); p != "" {
		d.BaseDir = p
		d.LogDir = filepath.Join(p, "log")
	}
	return d, nil
}
