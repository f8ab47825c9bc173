package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/cwygoda/typesetter/internal/config"
)

// CLI is the command-line surface. Flags override the config file and
// TYPESETTER_* environment variables.
type CLI struct {
	Config  string `short:"c" help:"Configuration file path (TOML)" type:"path" env:"TYPESETTER_CONFIG"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Serve    ServeCmd    `cmd:"" help:"Run the job API, worker pool and pipeline"`
	Compiler CompilerCmd `cmd:"" help:"Run the standalone compilation service"`
}

// Globals are passed to every command's Run.
type Globals struct {
	Config *config.Config
	Logger *slog.Logger
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("typesetter"),
		kong.Description("Turns manuscripts into print-ready PDFs."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	kctx.FatalIfErrorf(err)

	switch kctx.Command() {
	case "serve":
		cli.Serve.apply(cfg)
	case "compiler":
		cli.Compiler.apply(cfg)
	}
	kctx.FatalIfErrorf(cfg.Validate())

	logger := newLogger(cfg.Log, cli.Verbose)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&Globals{Config: cfg, Logger: logger}))
}

func newLogger(lc config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
