// Copyright 2025 The Kernelforge Authors
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
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// decoderConf mirrors hector's decodeConfig: weakly-typed input plus hooks
// so "250ms"-shaped strings land in time.Duration fields and comma-joined
// strings land in string-slice fields.
func decoderConf(result any) koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           result,
			TagName:          "yaml",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
}

// Loader reads Config from a YAML file, applying defaults, environment
// expansion, and validation in that order.
type Loader struct {
	path string

	mu  sync.RWMutex
	cfg Config

	onChange func(Config)
}

// NewLoader creates a Loader bound to path. Call Load before Current.
func NewLoader(path string) *Loader {
	return &Loader{path: path, cfg: Defaults()}
}

// Current returns the most recently loaded Config.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func(Config)) {
	l.onChange = fn
}

// Load reads the file, expands environment references, validates, and
// stores the result as Current.
func (l *Loader) Load() (Config, error) {
	cfg, err := l.parse()
	if err != nil {
		return Config{}, err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) parse() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(l.path), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", l.path, err)
	}

	expanded, ok := expandEnvVarsInData(k.Raw()).(map[string]any)
	if !ok {
		return Config{}, fmt.Errorf("config: %s: unexpected root shape after env expansion", l.path)
	}
	expandedKoanf := koanf.New(".")
	if err := expandedKoanf.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: %s: reload expanded tree: %w", l.path, err)
	}

	cfg := Defaults()
	if err := expandedKoanf.UnmarshalWithConf("", &cfg, decoderConf(&cfg)); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", l.path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", l.path, err)
	}
	return cfg, nil
}

// Watch starts an fsnotify watch on the loader's file and reloads it on
// every write, debounced the same way pkg/domain.Manager.Watch coalesces
// rapid edits from an editor's save-to-temp-then-rename sequence.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go l.watchLoop(ctx, watcher)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var timer *time.Timer
	const debounce = 150 * time.Millisecond

	reload := func() {
		cfg, err := l.Load()
		if err != nil {
			slog.Error("config hot reload failed", "path", l.path, "error", err)
			return
		}
		slog.Info("config reloaded", "path", l.path)
		if l.onChange != nil {
			l.onChange(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
