// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets holds API credentials in guarded memory.
//
// Provider keys read from the environment are sealed into memguard enclaves
// so they are encrypted at rest in process memory and excluded from core
// dumps and swap. Clients reveal a key exactly when they need it and the
// plaintext window stays as short as the consuming SDK allows.
//
// # Usage
//
//	key, err := secrets.FromEnv("OPENAI_API_KEY")
//	if err != nil {
//	    return err
//	}
//	var client *openai.Client
//	err = key.WithValue(func(v string) error {
//	    client = openai.NewClient(v)
//	    return nil
//	})
//
// Call secrets.Shutdown() on process exit to wipe all guarded buffers.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

var initOnce sync.Once

// initGuard installs memguard's interrupt handler once per process so a
// SIGINT wipes guarded memory before exit.
func initGuard() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// Key is a named credential sealed in an encrypted enclave.
//
// The zero value is unusable; construct via FromEnv or FromString.
// Key is safe for concurrent use.
type Key struct {
	name    string
	enclave *memguard.Enclave
}

// FromEnv reads the named environment variable, seals its value into an
// enclave, and returns the Key. Leading and trailing whitespace is trimmed.
//
// Returns an error when the variable is unset or empty; callers that treat
// the credential as optional should check os.Getenv first.
func FromEnv(name string) (*Key, error) {
	initGuard()

	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	return FromString(name, raw), nil
}

// FromString seals the given value into an enclave under the given name.
// The caller should discard its copy of value as soon as possible.
func FromString(name, value string) *Key {
	initGuard()

	return &Key{
		name:    name,
		enclave: memguard.NewEnclave([]byte(value)),
	}
}

// FromFile reads a secret from path (a Podman/Docker secret mount) and seals
// it. The file content is trimmed of surrounding whitespace, matching how
// container runtimes append trailing newlines.
func FromFile(name, path string) (*Key, error) {
	initGuard()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s from %s: %w", name, path, err)
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return nil, fmt.Errorf("secrets: %s at %s is empty", name, path)
	}
	return FromString(name, value), nil
}

// FromEnvOrFile resolves a credential from the environment first, then from
// a mounted secret file. This is the lookup order the deployment images use:
// env for development, /run/secrets for container deployments.
func FromEnvOrFile(name, path string) (*Key, error) {
	if key, err := FromEnv(name); err == nil {
		return key, nil
	}
	key, err := FromFile(name, path)
	if err != nil {
		return nil, fmt.Errorf("%s not set and no secret file: %w", name, err)
	}
	return key, nil
}

// Name returns the identifier the key was loaded under (for logging; the
// name is never sensitive).
func (k *Key) Name() string {
	return k.name
}

// WithValue opens the enclave, invokes fn with the plaintext, and destroys
// the decrypted buffer before returning. The plaintext must not escape fn
// except where the consuming SDK requires an owned string.
func (k *Key) WithValue(fn func(value string) error) error {
	if k == nil || k.enclave == nil {
		return fmt.Errorf("secrets: key is empty")
	}

	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("secrets: open enclave for %s: %w", k.name, err)
	}
	defer buf.Destroy()

	return fn(buf.String())
}

// Reveal opens the enclave and returns an owned copy of the plaintext.
//
// Prefer WithValue; Reveal exists for SDK constructors that retain the
// string for the life of the client.
func (k *Key) Reveal() (string, error) {
	var out string
	err := k.WithValue(func(v string) error {
		out = strings.Clone(v)
		return nil
	})
	return out, err
}

// Shutdown wipes every guarded buffer in the process. Call once during
// graceful shutdown, after all clients are done with their keys.
func Shutdown() {
	memguard.Purge()
}
