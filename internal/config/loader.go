// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/autoflowhq/orchestrator/internal/config/provider"
)

// Loader loads and watches configuration from a Provider.
type Loader struct {
	provider provider.Provider
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked when config changes.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

// NewLoader creates a Loader reading from the given file path.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	p, err := provider.New(provider.ProviderConfig{Type: provider.TypeFile, Path: path})
	if err != nil {
		return nil, err
	}
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment variable
// values, leaving the placeholder untouched when unset (matches the
// teacher's config-first ${VAR} convention).
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads, expands, and parses the config once.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.provider.Load(ctx)
	if err != nil {
		return nil, err
	}
	raw = expandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch loads the config and then watches the source for changes in a
// background goroutine, invoking onChange (if set) on every successfully
// reparsed update. Watch returns the initially loaded config without
// waiting for ctx to be cancelled.
func (l *Loader) Watch(ctx context.Context) (*Config, error) {
	cfg, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := l.provider.Watch(ctx)
	if err != nil {
		slog.Warn("config hot-reload unavailable", "error", err)
		return cfg, nil
	}

	go func() {
		for range ch {
			updated, err := l.Load(ctx)
			if err != nil {
				slog.Error("failed to reload config, keeping previous", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(updated)
			}
		}
	}()

	return cfg, nil
}

// Close releases the underlying provider.
func (l *Loader) Close() error {
	return l.provider.Close()
}
