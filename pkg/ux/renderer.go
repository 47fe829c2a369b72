// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"
)

// maxSnippetRunes bounds the source preview printed under each source.
const maxSnippetRunes = 160

// RendererOptions tunes what the renderer shows.
type RendererOptions struct {
	// ShowSources prints retrieved snippets, not only their names.
	ShowSources bool
	// Quiet hides status events.
	Quiet bool
}

// Renderer prints stream events as they arrive.
//
// # Description
//
// Status lines are muted, the prediction is boxed, and tokens are written
// raw so the answer reads like a single paragraph. In plain mode every
// non-token line carries an upper-case tag so scripts can grep for it.
//
// # Thread Safety
//
// Not safe for concurrent use. Events must be rendered in stream order.
type Renderer struct {
	p        *Printer
	opts     RendererOptions
	inAnswer bool
}

// NewRenderer creates a Renderer writing through p.
func NewRenderer(p *Printer, opts RendererOptions) *Renderer {
	return &Renderer{p: p, opts: opts}
}

// Render prints one event. It has the StreamCallback signature.
func (r *Renderer) Render(ev StreamEvent) error {
	out := r.p.Out()
	if ev.Type != StreamEventToken {
		r.endAnswer()
	}

	switch ev.Type {
	case StreamEventStatus:
		if r.opts.Quiet {
			return nil
		}
		if r.p.Mode() == ModePlain {
			fmt.Fprintf(out, "STATUS: %s\n", ev.Message)
			return nil
		}
		r.p.Muted("⋯ " + ev.Message)

	case StreamEventPrediction:
		r.renderPrediction(ev)

	case StreamEventSources:
		r.renderSources(ev.Sources)

	case StreamEventToken:
		if !r.inAnswer && r.p.Mode() == ModeRich {
			fmt.Fprintln(out)
		}
		r.inAnswer = true
		fmt.Fprint(out, ev.Content)

	case StreamEventError:
		r.p.Error(ev.Error)

	case StreamEventDone:
		if r.p.Mode() == ModePlain && ev.RequestId != "" {
			fmt.Fprintf(out, "DONE: %s\n", ev.RequestId)
		}
	}
	return nil
}

func (r *Renderer) endAnswer() {
	if r.inAnswer {
		fmt.Fprintln(r.p.Out())
		r.inAnswer = false
	}
}

func (r *Renderer) renderPrediction(ev StreamEvent) {
	pred := ev.Prediction
	if pred == nil {
		r.p.Info(ev.Message)
		return
	}
	line := FormatPrediction(*pred)
	if r.p.Mode() == ModePlain {
		fmt.Fprintf(r.p.Out(), "PREDICTION: %s\n", line)
		return
	}

	var b strings.Builder
	b.WriteString(Styles.Highlight.Render(pred.Culpability))
	fmt.Fprintf(&b, "\nConfianza: %.2f", pred.Confidence)
	switch {
	case pred.Fallback:
		b.WriteString("\n" + Styles.Warning.Render("clasificador no disponible"))
	case pred.Cached:
		b.WriteString("\n" + Styles.Muted.Render("en caché"))
	}
	r.p.Box(b.String())
}

func (r *Renderer) renderSources(sources []SourceInfo) {
	if len(sources) == 0 {
		return
	}
	out := r.p.Out()
	if r.p.Mode() == ModePlain {
		for _, s := range sources {
			fmt.Fprintf(out, "SOURCE: %s %.2f\n", s.Source, s.Score)
		}
		return
	}
	fmt.Fprintln(out, Styles.Subtitle.Render("Fuentes"))
	for _, s := range sources {
		fmt.Fprintf(out, "  %s %s %s\n", IconBullet.Render(), s.Source,
			Styles.Muted.Render(fmt.Sprintf("(%.2f)", s.Score)))
		if r.opts.ShowSources && s.Content != "" {
			fmt.Fprintf(out, "    %s\n", Styles.Muted.Render(Snippet(s.Content, maxSnippetRunes)))
		}
	}
}

// Finish terminates a partially written answer line.
func (r *Renderer) Finish() {
	r.endAnswer()
}

// FormatPrediction renders a verdict the way the server words it.
func FormatPrediction(p Prediction) string {
	return fmt.Sprintf("%s (Confianza: %.2f)", p.Culpability, p.Confidence)
}

// Snippet collapses whitespace and truncates s to max runes.
func Snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
