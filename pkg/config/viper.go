// Package config is responsible for initializing the archiver's Viper
// instance. It reads settings from a config file, environment variables and
// command-line flags, providing a unified configuration system.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	archiverconfig "github.com/JakeFAU/article-archiver/internal/config"
)

// ConfigName is the base name searched for when no --config flag is given.
const ConfigName = "archiver"

// SearchPaths are the directories searched for ConfigName, in order.
var SearchPaths = []string{".", "$HOME/.archiver", "/etc/archiver/"}

// Init registers defaults and environment overrides on v and reads a config
// file. An explicit cfgFile must exist; otherwise a missing file in the search
// paths is not an error. It returns the file used, if any.
func Init(v *viper.Viper, cfgFile string) (string, error) {
	archiverconfig.SetDefaults(v)
	archiverconfig.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(ConfigName)
		for _, p := range SearchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}
