// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aiservice

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/retrieval"
	"github.com/tmc/langchaingo/prompts"
)

// =============================================================================
// Claim Analysis Prompt
// =============================================================================

const claimAnalysisTemplate = `Como experto en seguros y leyes de tránsito argentinas, necesito que analices el siguiente siniestro:

**DESCRIPCIÓN DEL SINIESTRO:**
{{.description}}

**PREDICCIÓN INICIAL DEL MODELO BERT:**
- Culpabilidad: {{.culpability}}
- Nivel de confianza: {{.confidence}}

**INSTRUCCIONES:**
1. Analiza la descripción del siniestro considerando las leyes de tránsito argentinas
2. Valida si la predicción BERT es correcta o si difiere tu análisis
3. Proporciona una justificación detallada citando los artículos específicos de la ley de tránsito
4. Indica si CONFIRMAS, MODIFICAS o RECHAZAS la predicción del modelo BERT

**FORMATO DE RESPUESTA:**
- **Decisión Final:** [Culpable/No Culpable/Indeterminado]
- **Validación BERT:** [Confirmada/Modificada/Rechazada]
- **Justificación Legal:** [Cita los artículos específicos]
- **Análisis:** [Explicación detallada del razonamiento]

Responde de manera profesional y precisa, basándote únicamente en la legislación argentina de tránsito.
`

var claimAnalysisPrompt = prompts.NewPromptTemplate(
	claimAnalysisTemplate,
	[]string{"description", "culpability", "confidence"},
)

// BuildClaimPrompt wraps a claim description and the classifier's verdict
// into the analysis prompt sent to the LLM.
//
// # Inputs
//
//   - description: The user's claim description, unchanged.
//   - prediction: Classifier verdict. Confidence is rendered with two
//     decimals and a dot separator.
//
// # Outputs
//
//   - string: The enriched prompt.
//   - error: Template rendering failure.
func BuildClaimPrompt(description string, prediction datatypes.Prediction) (string, error) {
	out, err := claimAnalysisPrompt.Format(map[string]any{
		"description": description,
		"culpability": prediction.Culpability,
		"confidence":  fmt.Sprintf("%.2f", prediction.Confidence),
	})
	if err != nil {
		return "", fmt.Errorf("render claim prompt: %w", err)
	}
	return out, nil
}

// =============================================================================
// Content Injection
// =============================================================================

// DefaultInjectorTemplate appends retrieved snippets to the user turn.
const DefaultInjectorTemplate = "{{.userMessage}}\n\nAnswer using the following information:\n{{.contents}}"

// ContentInjector merges retrieved content into the user message.
type ContentInjector struct {
	template prompts.PromptTemplate
}

// NewContentInjector parses tmpl, which must reference userMessage and
// contents. An empty tmpl uses DefaultInjectorTemplate.
func NewContentInjector(tmpl string) (*ContentInjector, error) {
	if tmpl == "" {
		tmpl = DefaultInjectorTemplate
	}
	for _, v := range []string{"userMessage", "contents"} {
		if !strings.Contains(tmpl, "."+v) {
			return nil, fmt.Errorf("injector template must reference %s", v)
		}
	}
	return &ContentInjector{
		template: prompts.NewPromptTemplate(tmpl, []string{"userMessage", "contents"}),
	}, nil
}

// Inject returns userMessage unchanged when contents is empty. Snippets are
// separated by blank lines, in the order given.
func (c *ContentInjector) Inject(userMessage string, contents []retrieval.Content) (string, error) {
	if len(contents) == 0 {
		return userMessage, nil
	}
	texts := make([]string, 0, len(contents))
	for _, content := range contents {
		texts = append(texts, content.Text)
	}
	out, err := c.template.Format(map[string]any{
		"userMessage": userMessage,
		"contents":    strings.Join(texts, "\n\n"),
	})
	if err != nil {
		return "", fmt.Errorf("inject contents: %w", err)
	}
	return out, nil
}
