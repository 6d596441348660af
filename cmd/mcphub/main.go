// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/zyahav/mcp-skills-hub/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	ConfigPath string
	Overrides  []string
	Root       string
	LogLevel   string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("flags", err.Error()), global.JSON)
	}
	if global.Help {
		printUsage()
		return
	}

	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "help":
		printUsage()
		return
	case "version":
		ensureNoArgs(args, global.JSON)
		printVersion(global.JSON)
		return
	case "serve":
		ensureNoArgs(args, global.JSON)
	case "check":
		opts, err := parseCheckFlags(args)
		if err != nil {
			fatal(NewInvalidArgumentError("check", err.Error()), global.JSON)
		}
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
	default:
		fatal(NewInvalidArgumentError(cmd, fmt.Sprintf("unknown command %q", cmd)), global.JSON)
	}

	cfg, err := loadConfig(global)
	if err != nil {
		fatal(NewConfigError(err, global.ConfigPath), global.JSON)
	}

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "check":
		err = runCheck(ctx, cfg, global.JSON)
	}
	if err != nil {
		fatal(wrapRunError(err, cfg), global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		ConfigPath: os.Getenv("MCPHUB_CONFIG"),
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		takeValue := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value for --%s", name)
			}
			i++
			return args[i], nil
		}

		var err error
		switch name {
		case "h", "help":
			flags.Help = true
			return flags, nil, nil
		case "json":
			flags.JSON = true
		case "config":
			flags.ConfigPath, err = takeValue()
		case "set":
			var kv string
			if kv, err = takeValue(); err == nil {
				flags.Overrides = append(flags.Overrides, kv)
			}
		case "root":
			flags.Root, err = takeValue()
		case "log-level":
			flags.LogLevel, err = takeValue()
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
		if err != nil {
			return flags, nil, err
		}
	}
	return flags, nil, nil
}

type checkOptions struct {
	Timeout time.Duration
}

func parseCheckFlags(args []string) (checkOptions, error) {
	var opts checkOptions
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	cmd.DurationVar(&opts.Timeout, "timeout", 0, "Bound worker startup to this long")
	if err := cmd.Parse(args); err != nil {
		return opts, err
	}
	if cmd.NArg() > 0 {
		return opts, fmt.Errorf("unexpected args: %v", cmd.Args())
	}
	if opts.Timeout < 0 {
		return opts, fmt.Errorf("timeout must not be negative")
	}
	return opts, nil
}

// loadConfig applies --root and --log-level on top of any --set overrides.
func loadConfig(flags globalFlags) (*config.Config, error) {
	overrides := append([]string(nil), flags.Overrides...)
	if flags.Root != "" {
		overrides = append(overrides, "workers.root="+flags.Root)
	}
	if flags.LogLevel != "" {
		overrides = append(overrides, "log.level="+flags.LogLevel)
	}
	return config.LoadWithOverrides(flags.ConfigPath, overrides)
}

func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

func printVersion(asJSON bool) {
	if asJSON {
		printJSON(map[string]string{"version": buildVersion()})
		return
	}
	fmt.Println(buildVersion())
}

func printUsage() {
	fmt.Println(`mcphub: one MCP server in front of many skill workers

Usage:
  mcphub [global flags] [command]

Global flags:
  --config <path>      YAML config file (or MCPHUB_CONFIG)
  --set key=value      Override a config key (repeatable)
  --root <dir>         Worker root directory (workers.root)
  --log-level <level>  debug, info, warn or error (log.level)
  --json               JSON output for check and version

Commands:
  serve      Serve MCP on stdin/stdout (default)
  check      Start every worker, print what the hub would expose, and exit
             --timeout <d>  bound worker startup to d
  version    Print the version`)
}

func fatal(err error, asJSON bool) {
	if cliErr, ok := err.(*CLIError); ok {
		cliErr.PrintError(asJSON)
	} else {
		PrintSimpleError(err, asJSON)
	}
	os.Exit(1)
}

func ensureNoArgs(args []string, asJSON bool) {
	if len(args) > 0 {
		fatal(NewInvalidArgumentError(args[0], fmt.Sprintf("unexpected args: %v", args)), asJSON)
	}
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err, true)
	}
	_, _ = os.Stdout.Write(append(payload, '\n'))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}
