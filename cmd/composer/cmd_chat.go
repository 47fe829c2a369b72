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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianComposer/pkg/ux"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/handlers"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var (
	errMessageRequired   = errors.New("a message is required")
	errAssistantRequired = errors.New("--assistant is required when not running in a terminal")
	errNoAssistants      = errors.New("the server has no assistants configured")
	errChatFailed        = errors.New("chat failed")
	errIntegrity         = errors.New("stream integrity check failed")
)

type chatFlags struct {
	assistant   string
	assistantID string
	context     string
	requestID   string
	documents   []string
	showSources bool
	quiet       bool
	verify      bool
}

func newChatCmd(a *app) *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Describe a claim and stream the assistant's analysis",
		Example: `  composer chat -a siniestros "El vehículo B cruzó con semáforo en rojo"
  composer chat -a siniestros -d denuncia.pdf -d croquis.txt "¿Quién es responsable?"`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd.Context(), f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&f.assistant, "assistant", "a", "", "assistant name")
	cmd.Flags().StringVar(&f.assistantID, "assistant-id", "", "assistant ID (instead of name)")
	cmd.Flags().StringVarP(&f.context, "context", "c", "", "extra context for the model")
	cmd.Flags().StringVar(&f.requestID, "request-id", "", "request UUID for correlation")
	cmd.Flags().StringArrayVarP(&f.documents, "document", "d", nil, "upload a document to search (repeatable)")
	cmd.Flags().BoolVar(&f.showSources, "show-sources", false, "print retrieved snippets")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "hide status lines")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "verify the event hash chain")
	return cmd
}

func (a *app) runChat(ctx context.Context, f chatFlags, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errMessageRequired
	}
	cfg, err := a.loadConfig(a.configPath)
	if err != nil {
		return err
	}
	logger, err := a.logger(cfg, "composer-cli", true)
	if err != nil {
		return err
	}
	defer logger.Close()

	client := newAPIClient(cfg.Client)
	if f.assistant == "" && f.assistantID == "" {
		if !a.interactive() {
			return errAssistantRequired
		}
		assistants, err := client.ListAssistants(ctx)
		if err != nil {
			return err
		}
		if len(assistants) == 0 {
			return errNoAssistants
		}
		if f.assistant, err = a.pickAssistant(assistants); err != nil {
			return err
		}
	}

	p := a.printer()
	renderer := ux.NewRenderer(p, ux.RendererOptions{ShowSources: f.showSources, Quiet: f.quiet})
	spinner := ux.NewSpinner(p, "Analizando el siniestro...")
	spinner.Start()
	defer spinner.Stop()

	result, err := client.StreamChat(ctx, datatypes.AssistantChatRequest{
		AssistantName: f.assistant,
		AssistantID:   f.assistantID,
		Message:       message,
		Context:       f.context,
		RequestID:     f.requestID,
	}, f.documents, spinner.StopOnce(renderer.Render))
	renderer.Finish()
	if err != nil {
		return err
	}
	slog.Debug("Chat finished", "requestId", result.RequestID, "events", len(result.Events), "answer_len", len(result.Answer))

	if f.verify {
		verdict := ux.VerifyChain(result.Events)
		if !verdict.Valid {
			return fmt.Errorf("%w at event %d: %s", errIntegrity, verdict.BrokenAt, verdict.ErrorReason)
		}
		p.Success(fmt.Sprintf("Stream integrity verified (%d events)", verdict.EventCount))
	}
	if result.Error != "" {
		return errChatFailed
	}
	return nil
}

func pickAssistantInteractive(assistants []handlers.AssistantSummary) (string, error) {
	options := make([]huh.Option[string], 0, len(assistants))
	for _, as := range assistants {
		label := as.Name
		if as.DisplayName != "" {
			label = fmt.Sprintf("%s (%s)", as.DisplayName, as.Name)
		}
		options = append(options, huh.NewOption(label, as.Name))
	}

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Elegí un asistente").
			Options(options...).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("assistant selection cancelled: %w", err)
	}
	return choice, nil
}
