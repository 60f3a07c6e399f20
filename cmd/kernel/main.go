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

// Command kernel is the CLI entrypoint for the orchestration kernel.
//
// Usage:
//
//	kernel serve --config kernel.yaml
//	kernel validate --config kernel.yaml
//	kernel version
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/orkestra-project/kernelforge/pkg/config"
)

// CLI defines the command-line interface, mirroring hector's top-level
// kong.CLI struct: one subcommand per Run method, shared log flags.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Run the kernel as an MCP server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"kernel.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd prints the build version, the way hector's VersionCmd reads
// debug.ReadBuildInfo rather than baking in a ldflags-injected constant.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("kernel version %s\n", version)
	return nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("kernel"),
		kong.Description("Adaptive multi-agent orchestration kernel"),
		kong.UsageOnError(),
	)

	initLogger(cli.LogLevel, cli.LogFormat)

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
