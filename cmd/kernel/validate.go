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

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orkestra-project/kernelforge/pkg/config"
	"github.com/orkestra-project/kernelforge/pkg/domain"
)

// ValidateCmd loads the --config file (and, if --domain is given, a domain
// overlay file) and reports the first file that fails to load or validate
// without starting anything — mirrors hector's "hector validate"
// informational command.
type ValidateCmd struct {
	Domain  string `help:"Also validate a domain overlay file." type:"path"`
	Verbose bool   `help:"Dump the expanded configuration (defaults applied, env vars resolved) as YAML."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	loader := config.NewLoader(cli.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	fmt.Printf("config %s is valid (llm_provider=%s, max_turn_iterations=%d)\n",
		cli.Config, cfg.LLMProvider, cfg.MaxTurnIterations)

	if c.Verbose {
		fmt.Printf("# expanded configuration from: %s\n", cli.Config)
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("validate: encode expanded config: %w", err)
		}
		enc.Close()
	}

	if c.Domain != "" {
		ov, err := domain.ParseOverlay(c.Domain)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		fmt.Printf("domain %s is valid (name=%s, tools=%d, mcp_endpoints=%d)\n",
			c.Domain, ov.Name, len(ov.Tools), len(ov.MCPEndpoints))
	}
	return nil
}
