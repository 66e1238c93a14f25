// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generate produces the final answer text: it assembles the
// response prompt from YAML-loaded templates, clamps the retrieved
// passages to a token budget, and calls the chat model.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tmc/langchaingo/prompts"
	"gopkg.in/yaml.v3"
)

// promptFile is the on-disk shape of the template file.
type promptFile struct {
	System   string `yaml:"system"`
	Response string `yaml:"response"`
	Fallback string `yaml:"fallback"`
}

// Built-in templates used when no file is configured or the initial load
// fails. The response template renders through the Go-template format, so
// placeholders are {{.context}}, {{.passages}}, {{.query}}.
const (
	defaultSystemPrompt = "You are HarborDesk's support assistant for property managers and " +
		"tenants. Answer using only the knowledge-base passages and conversation context " +
		"provided. Be concise and concrete. If the passages do not cover the question, say so " +
		"rather than guessing."

	defaultResponseTemplate = `{{.context}}Knowledge base passages:
{{.passages}}

Question: {{.query}}

Answer the question using the passages above. Cite steps in order when the passages describe a procedure.`

	defaultFallback = "I'm sorry, I wasn't able to find an answer for that right now. " +
		"Please try rephrasing your question, or I can create a support ticket for our team."
)

// responseVars are the placeholders the response template may use.
var responseVars = []string{"context", "passages", "query"}

// Library holds the current prompt templates and hot-reloads them when the
// backing file changes.
//
// # Description
//
// Load parses the YAML file into langchaingo prompt templates. Watch runs
// an fsnotify loop that re-parses on write; a reload that fails to parse or
// render logs and keeps the previous templates, so a bad edit never takes
// the service down.
//
// # Thread Safety
//
// Library is safe for concurrent use.
type Library struct {
	path string

	mu       sync.RWMutex
	system   string
	response prompts.PromptTemplate
	fallback string
}

// NewLibrary returns a Library seeded with the built-in templates. If path
// is non-empty the file is loaded immediately; a load failure keeps the
// built-ins and is returned so the caller can decide whether to abort.
func NewLibrary(path string) (*Library, error) {
	l := &Library{
		path:     path,
		system:   defaultSystemPrompt,
		response: prompts.NewPromptTemplate(defaultResponseTemplate, responseVars),
		fallback: defaultFallback,
	}
	if path == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return l, fmt.Errorf("load prompt file %s: %w", path, err)
	}
	return l, nil
}

// Reload re-parses the backing file, swapping templates in only when the
// whole file parses and renders.
func (l *Library) Reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}

	var pf promptFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse prompt yaml: %w", err)
	}
	if pf.System == "" || pf.Response == "" {
		return fmt.Errorf("prompt file must set both system and response templates")
	}

	tmpl := prompts.NewPromptTemplate(pf.Response, responseVars)
	// Render once with placeholder values so a broken template is rejected
	// here instead of on the first live query.
	if _, err := tmpl.Format(map[string]any{"context": "", "passages": "", "query": ""}); err != nil {
		return fmt.Errorf("render response template: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.system = pf.System
	l.response = tmpl
	if pf.Fallback != "" {
		l.fallback = pf.Fallback
	}
	return nil
}

// Watch hot-reloads the backing file until ctx is cancelled. No-op when the
// Library has no backing file.
func (l *Library) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors often replace the file, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(l.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := l.Reload(); err != nil {
					slog.Error("Prompt reload failed, keeping previous templates",
						"path", l.path, "error", err)
					continue
				}
				slog.Info("Prompt templates reloaded", "path", l.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Prompt watcher error", "error", err)
			}
		}
	}()
	return nil
}

// System returns the current system prompt.
func (l *Library) System() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.system
}

// Fallback returns the canned apology used when generation fails.
func (l *Library) Fallback() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fallback
}

// RenderResponse fills the response template.
func (l *Library) RenderResponse(contextBlock, passages, query string) (string, error) {
	l.mu.RLock()
	tmpl := l.response
	l.mu.RUnlock()
	return tmpl.Format(map[string]any{
		"context":  contextBlock,
		"passages": passages,
		"query":    query,
	})
}
