// Command vmlinkd keeps one session open to the agent inside every running VM
// and manages the VM inventory and event journal it relies on.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"grimm.is/vmlink/internal/brand"
	"grimm.is/vmlink/internal/config"
	"grimm.is/vmlink/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           brand.BinaryName,
		Short:         brand.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Configuration file (default "+brand.ConfigPath()+" when present)")
	root.PersistentFlags().StringP("output", "o", "table", "Output format: table, json or yaml")

	root.AddCommand(
		newRunCommand(),
		newVMCommand(),
		newJournalCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return root
}

// loadConfig resolves --config. Without the flag the default path is used if
// it exists, otherwise the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if _, err := os.Stat(brand.ConfigPath()); err == nil {
			path = brand.ConfigPath()
		}
	}
	return config.LoadOrDefault(path)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newLogger(cfg *config.Config, out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Output = out
	lc.JSON = cfg.LogFormat == "json"
	return logging.New(lc), nil
}

// printer writes command results in the format chosen by --output.
type printer struct {
	format string
	out    io.Writer
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "table", "json", "yaml":
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return &printer{format: format, out: cmd.OutOrStdout()}, nil
}

// structured prints v as JSON or YAML and reports whether it did. Table
// output is left to the caller.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Go through JSON so raw payloads and json tags come out the same.
		raw, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return true, err
		}
		b, err := yaml.Marshal(generic)
		if err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		_, err = p.out.Write(b)
		return true, err
	}
	return false, nil
}
