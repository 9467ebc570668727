// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rgov/foxglove-studio/config"
	"github.com/rgov/foxglove-studio/internal/logger"
	"github.com/rgov/foxglove-studio/server"
)

// init registers one flag per config field, driven by the struct tags so the
// flag set can never drift from the config schema.
func init() {
	flags := rootCmd.PersistentFlags()

	c := config.BagviewConfig{}
	_type := reflect.TypeOf(c)
	for i := 0; i < _type.NumField(); i++ {
		field := _type.Field(i)
		yamlTag := field.Tag.Get("mapstructure")
		descriptionTag := field.Tag.Get("description")
		defaultTag := field.Tag.Get("default")

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(yamlTag, defaultTag, descriptionTag)
		case reflect.Int:
			val, _ := strconv.Atoi(defaultTag)
			flags.Int(yamlTag, val, descriptionTag)
		case reflect.Bool:
			val, _ := strconv.ParseBool(defaultTag)
			flags.Bool(yamlTag, val, descriptionTag)
		case reflect.Float64:
			val, _ := strconv.ParseFloat(defaultTag, 64)
			flags.Float64(yamlTag, val, descriptionTag)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "bagview",
	Short: "bagview - seekable playback server for recorded robotics telemetry",
	Run: func(cmd *cobra.Command, args []string) {
		config.Load(cmd.Flags())
		slog.SetDefault(logger.New())
		server.Start()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
