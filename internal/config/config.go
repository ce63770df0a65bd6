// This file defines the configuration structure for the update service.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int `mapstructure:"port"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Plugins struct {
		Path          string `mapstructure:"path"`
		AllowFileMods bool   `mapstructure:"allow_file_mods"`
		BackupPath    string `mapstructure:"backup_path"`
		TempPath      string `mapstructure:"temp_path"`
	} `mapstructure:"plugins"`
	Update struct {
		RepositoryOwner string `mapstructure:"repository_owner"`
		RepositoryName  string `mapstructure:"repository_name"`
		PluginSlug      string `mapstructure:"plugin_slug"`
		CacheLifetime   int    `mapstructure:"cache_lifetime"`
		Channel         string `mapstructure:"channel"`
		AutoUpdate      bool   `mapstructure:"auto_update"`
		APIBaseURL      string `mapstructure:"api_base_url"`
		// Minutes between scheduled feed checks.
		CheckInterval int `mapstructure:"check_interval"`
		// Seconds allowed for a package download.
		DownloadTimeout int `mapstructure:"download_timeout"`
	} `mapstructure:"update"`
	Auth struct {
		TokenHash string `mapstructure:"token_hash"`
	} `mapstructure:"auth"`
}

// Load reads configuration from path, or from "config.yml" in the current
// directory when path is empty, and unmarshals it into a Config struct.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // name of config file (without extension)
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	// UPDATER_DATABASE_PATH overrides `database.path`, and so on.
	v.SetEnvPrefix("UPDATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("database.path", "./updater.db")
	v.SetDefault("plugins.path", "./plugins")
	v.SetDefault("plugins.allow_file_mods", true)
	v.SetDefault("plugins.backup_path", "./data/backups")
	v.SetDefault("plugins.temp_path", "./data/tmp")
	v.SetDefault("update.repository_owner", "")
	v.SetDefault("update.repository_name", "")
	v.SetDefault("update.plugin_slug", "")
	v.SetDefault("update.cache_lifetime", 43200)
	v.SetDefault("update.channel", "stable")
	v.SetDefault("update.auto_update", false)
	v.SetDefault("update.api_base_url", "https://api.github.com")
	v.SetDefault("update.check_interval", 360)
	v.SetDefault("update.download_timeout", 300)
	v.SetDefault("auth.token_hash", "")
}
