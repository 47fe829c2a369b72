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
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianComposer/pkg/ux"
	"github.com/spf13/cobra"
)

func newAssistantsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "assistants",
		Aliases: []string{"ls"},
		Short:   "List the assistants the server offers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(a.configPath)
			if err != nil {
				return err
			}
			assistants, err := newAPIClient(cfg.Client).ListAssistants(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(assistants)
			}

			p := a.printer()
			if p.Mode() == ux.ModePlain {
				for _, as := range assistants {
					fmt.Fprintf(a.out, "%s\t%s\t%s\n", as.Name, as.DisplayName, as.Description)
				}
				return nil
			}
			if len(assistants) == 0 {
				p.Warning("No assistants configured")
				return nil
			}
			p.Title("Asistentes")
			for _, as := range assistants {
				name := ux.Styles.Highlight.Render(as.Name)
				if as.DisplayName != "" {
					name += " " + ux.Styles.Muted.Render(as.DisplayName)
				}
				fmt.Fprintf(a.out, "%s %s\n", ux.IconBullet.Render(), name)
				if as.Description != "" {
					fmt.Fprintf(a.out, "  %s\n", as.Description)
				}
				for _, q := range as.ExampleQuestions {
					fmt.Fprintf(a.out, "  %s %s\n", ux.IconArrow.Render(), ux.Styles.Muted.Render(q))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
