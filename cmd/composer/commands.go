// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianComposer/cmd/composer/config"
	"github.com/AleutianAI/AleutianComposer/pkg/logging"
	"github.com/AleutianAI/AleutianComposer/pkg/ux"
	"github.com/AleutianAI/AleutianComposer/services/composer/handlers"
	"github.com/spf13/cobra"
)

// app carries process-wide CLI state. Tests swap the hooks.
type app struct {
	configPath string
	logLevel   string
	plain      bool

	out    io.Writer
	errOut io.Writer

	loadConfig    func(path string) (config.ComposerConfig, error)
	interactive   func() bool
	pickAssistant func(assistants []handlers.AssistantSummary) (string, error)
}

func newApp() *app {
	return &app{
		out:    os.Stdout,
		errOut: os.Stderr,
		loadConfig: func(path string) (config.ComposerConfig, error) {
			if err := config.Load(path); err != nil {
				return config.ComposerConfig{}, err
			}
			return config.Global, nil
		},
		interactive: func() bool {
			return ux.IsTerminal(os.Stdin) && ux.IsTerminal(os.Stdout)
		},
		pickAssistant: pickAssistantInteractive,
	}
}

func (a *app) printer() *ux.Printer {
	mode := ux.ModePlain
	if !a.plain {
		if f, ok := a.out.(*os.File); ok {
			mode = ux.DetectMode(f)
		}
	}
	return ux.NewPrinter(a.out, a.errOut, mode)
}

// logger builds the process logger from the config and installs it as
// the slog default. The caller closes it.
func (a *app) logger(cfg config.ComposerConfig, service string, quiet bool) (*logging.Logger, error) {
	levelName := cfg.Logging.Level
	if a.logLevel != "" {
		levelName = a.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: service,
		JSON:    cfg.Logging.JSON,
		Quiet:   quiet,
		Writer:  a.errOut,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault()
	return logger, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "composer",
		Short:         "Claim-analysis chat server and client",
		Long:          "composer streams classifier-grounded, retrieval-augmented answers about traffic claims.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.aleutian/composer.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&a.plain, "plain", false, "disable colors and boxes")

	root.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newAssistantsCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the composer version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "composer %s\n", version)
		},
	}
}
