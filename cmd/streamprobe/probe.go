package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/use-agent/streamprobe/extractor"
	"github.com/use-agent/streamprobe/models"
	"gopkg.in/yaml.v3"
)

var (
	flagFormat     string
	flagAggressive bool
)

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Extract the stream behind one page and print it",
	Args:  cobra.ExactArgs(1),
	RunE:  probeRun,
}

func init() {
	probeCmd.Flags().StringVarP(&flagFormat, "format", "f", "json", "Output format: json | yaml")
	probeCmd.Flags().BoolVarP(&flagAggressive, "aggressive", "a", false, "Use grid clicks and iframe descent from the first attempt")
}

func probeRun(cmd *cobra.Command, args []string) error {
	if flagFormat != "json" && flagFormat != "yaml" {
		return fmt.Errorf("unknown format %q", flagFormat)
	}
	if _, err := extractor.ValidateURL(args[0]); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Results go to stdout; logs stay out of the way.
	initLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ex := newExtraction(cfg, 1)
	defer func() {
		if err := ex.close(); err != nil {
			slog.Warn("browser shutdown", "error", err)
		}
	}()

	res, extractErr := ex.engine.Extract(ctx, extractor.Request{URL: args[0], Aggressive: flagAggressive})
	if res == nil {
		return extractErr
	}
	if err := writeResult(cmd.OutOrStdout(), flagFormat, res); err != nil {
		return err
	}
	if extractErr != nil {
		cmd.SilenceErrors = true
		return extractErr
	}
	return nil
}

func writeResult(w io.Writer, format string, res *models.ExtractionResult) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(res)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
