package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/loqalabs/loqa-grammar/internal/features"
	"github.com/loqalabs/loqa-grammar/internal/pipeline"
	"github.com/loqalabs/loqa-grammar/internal/runtime"
	"github.com/loqalabs/loqa-grammar/internal/scoring"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		verbose    bool
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "", "Path to configuration file")

	scoreCmd := flag.NewFlagSet("score", flag.ExitOnError)
	scoreCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	scoreCmd.BoolVar(&verbose, "v", false, "Log pipeline progress to stderr")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'score' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("model valid")
	case "score":
		scoreCmd.Parse(os.Args[2:])
		if scoreCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: grammar-cli score [-config file] [-v] <audio file>")
			os.Exit(2)
		}
		ok, err := runScore(configPath, scoreCmd.Arg(0), verbose, os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runValidate checks the model file against the feature column list and the
// extractor schema.
func runValidate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	columns, err := scoring.LoadColumns(cfg.Scoring.FeatureColumnsPath)
	if err != nil {
		return err
	}
	if _, err := scoring.LoadModel(cfg.Scoring.ModelPath, columns); err != nil {
		return err
	}
	known := make(map[string]struct{}, len(features.Schema))
	for _, name := range features.Schema {
		known[name] = struct{}{}
	}
	var unknown []string
	for _, c := range columns {
		if _, ok := known[c]; !ok {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d columns are not produced by the extractor and will be imputed: %s\n",
			len(unknown), strings.Join(unknown, ", "))
	}
	return nil
}

// runScore copies input into a scratch directory, since the pipeline deletes
// the file it is given, and prints the result as JSON.
func runScore(configPath, input string, verbose bool, out io.Writer) (bool, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return false, err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	scratch, err := os.MkdirTemp("", "grammar-cli-")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(scratch)

	ext := strings.ToLower(filepath.Ext(input))
	work := filepath.Join(scratch, "input"+ext)
	if err := copyFile(input, work); err != nil {
		return false, err
	}

	orch, transcriber, err := runtime.BuildPipeline(cfg, logger, nil, nil)
	if err != nil {
		return false, err
	}
	defer transcriber.Close()

	res := orch.Process(context.Background(), pipeline.AudioAsset{
		RequestID: uuid.NewString(),
		Path:      work,
		Filename:  filepath.Base(input),
		Ext:       ext,
	})
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return false, err
	}
	return res.OK, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()
	outFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		return err
	}
	return outFile.Close()
}
