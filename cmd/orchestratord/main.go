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

// Command orchestratord runs the Agentic Workflow Orchestrator's control
// plane.
//
// Usage:
//
//	orchestratord serve --config orchestrator.yaml
//	orchestratord validate orchestrator.yaml
//	orchestratord schema
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/internal/logging"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestrator control plane."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the defaulted configuration as YAML."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"orchestrator.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("orchestratord version %s\n", version)
	return nil
}

func initLogging(cli *CLI) (func(), error) {
	level, err := logging.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, ferr := logging.OpenLogFile(cli.LogFile)
		if ferr != nil {
			return nil, fmt.Errorf("open log file: %w", ferr)
		}
		output = file
		cleanup = closeFile
	}

	logging.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("orchestratord"),
		kong.Description("Agentic Workflow Orchestrator control plane"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogging(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
