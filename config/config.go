// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	BagviewVersion = "-"
)

// init reads the VERSION file from the project root so the binary always
// reports the version it was built from, regardless of working directory.
func init() {
	_, currentFile, _, _ := runtime.Caller(0) //nolint:dogsled
	projectRoot := filepath.Dir(filepath.Dir(currentFile))

	version, err := os.ReadFile(filepath.Join(projectRoot, "VERSION"))
	if err != nil {
		slog.Error("could not read the version file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	BagviewVersion = strings.TrimSpace(string(version))

	// Ensure Config is non-nil with default values for tests and simple runs
	if Config == nil {
		Config = initDefaultConfig()
	}
}

var Config *BagviewConfig

type BagviewConfig struct {
	Host string `mapstructure:"host" default:"0.0.0.0" description:"the host address to bind to"`
	Port int    `mapstructure:"port" default:"8765" description:"the port to bind to"`

	LogLevel string `mapstructure:"log-level" default:"info" description:"the log level"`

	Data string `mapstructure:"data" default:"" description:"path to the recording database to play back; empty starts the built-in demo recording"`

	PlaybackSpeed    float64 `mapstructure:"playback-speed" default:"1.0" description:"initial playback speed multiplier"`
	BlockDurationSec int     `mapstructure:"block-duration-sec" default:"10" description:"duration covered by one pre-cache block, in seconds"`
	BlockCacheSizeMB int     `mapstructure:"block-cache-size-mb" default:"1024" description:"byte budget for the block pre-cache, in megabytes"`

	FrameTimeoutSec  int `mapstructure:"frame-timeout-sec" default:"5" description:"seconds a consumer may hold a frame before it is forcibly resolved"`
	SeekAckTimeoutMS int `mapstructure:"seek-ack-timeout-ms" default:"100" description:"milliseconds before a slow seek is acknowledged with an empty state"`
	StartDelayMS     int `mapstructure:"start-delay-ms" default:"100" description:"milliseconds to wait for subscriptions before the first read"`

	MetricsEnabled bool `mapstructure:"metrics-enabled" default:"true" description:"serve playback metrics on /metrics"`
}

func Load(flags *pflag.FlagSet) {
	configureMetadataDir()
	viper.SetConfigType("yaml")
	viper.AddConfigPath(MetadataDir)
	viper.SetConfigName("bagview")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "help" {
			return
		}
		// Only update parsed configs if the user set a value or viper lacks it
		if flag.Changed || !viper.IsSet(flag.Name) {
			viper.Set(flag.Name, flag.Value.String())
		}
	})

	if err := viper.Unmarshal(&Config); err != nil {
		panic(err)
	}

	// A relative data path is resolved against the directory the user launched
	// from, not the metadata dir, because that is where their recording lives.
	if Config.Data != "" && !filepath.IsAbs(Config.Data) {
		cwd, _ := os.Getwd()
		Config.Data = filepath.Join(cwd, Config.Data)
	}
}

// InitConfig writes the effective configuration as bagview.yaml in the
// metadata directory, creating it if missing.
func InitConfig(flags *pflag.FlagSet) {
	Load(flags)
	configPath := filepath.Join(MetadataDir, "bagview.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := viper.WriteConfigAs(configPath); err != nil {
			slog.Error("could not write the config file",
				slog.String("path", configPath),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("config created", slog.String("path", configPath))
	} else {
		if overwrite, _ := flags.GetBool("overwrite"); overwrite {
			if err := viper.WriteConfigAs(configPath); err != nil {
				slog.Error("could not write the config file",
					slog.String("path", configPath),
					slog.String("error", err.Error()))
				os.Exit(1)
			}
			slog.Info("config overwritten", slog.String("path", configPath))
		} else {
			slog.Info("config already exists. skipping.", slog.String("path", configPath))
			slog.Info("run with --overwrite to overwrite the existing config")
		}
	}
}

// configureMetadataDir creates the default metadata directory used for the
// config file and other persistent data.
func configureMetadataDir() {
	if !filepath.IsAbs(MetadataDir) {
		cwd, _ := os.Getwd()
		MetadataDir = filepath.Join(cwd, MetadataDir)
	}
	if err := os.MkdirAll(MetadataDir, 0o700); err != nil {
		fmt.Printf("could not create metadata directory at %s. error: %s\n", MetadataDir, err)
		fmt.Println("using current directory as metadata directory")
		MetadataDir = "."
	}
}

func initDefaultConfig() *BagviewConfig {
	defaultConfig := &BagviewConfig{}
	configType := reflect.TypeOf(*defaultConfig)
	configValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)
		value := configValue.Field(i)

		tag := field.Tag.Get("default")
		if tag != "" {
			switch value.Kind() {
			case reflect.String:
				value.SetString(tag)
			case reflect.Int:
				intVal := 0
				if _, err := fmt.Sscanf(tag, "%d", &intVal); err == nil {
					value.SetInt(int64(intVal))
				}
			case reflect.Bool:
				boolVal := false
				if _, err := fmt.Sscanf(tag, "%t", &boolVal); err == nil {
					value.SetBool(boolVal)
				}
			case reflect.Float64:
				floatVal := 0.0
				if _, err := fmt.Sscanf(tag, "%f", &floatVal); err == nil {
					value.SetFloat(floatVal)
				}
			}
		}
	}

	return defaultConfig
}

// ForceInit replaces the global config, filling zero fields from defaults.
// Used by tests that need a specific configuration without flag parsing.
func ForceInit(config *BagviewConfig) {
	defaultConfig := initDefaultConfig()

	configType := reflect.TypeOf(*config)
	configValue := reflect.ValueOf(config).Elem()
	defaultConfigValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		value := configValue.Field(i)
		if value.IsZero() {
			value.Set(defaultConfigValue.Field(i))
		}
	}

	Config = config
}
