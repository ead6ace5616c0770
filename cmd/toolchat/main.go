// Command toolchat serves the insights, support and voice chat profiles.
//
//	toolchat [-config path] [-env file] serve
//	toolchat [-config path] [-env file] ask -profile support "Which oil for my A4?"
//	toolchat [-config path] [-env file] index
//	toolchat [-config path] [-env file] migrate
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/apps"
	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/observability"
	"github.com/ZanzyTHEbar/toolchat/tchat/server"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "toolchat: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: toolchat [-config path] [-env file] <serve|ask|index|migrate> [args]")
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("toolchat", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default: ./config.yaml, then the user config dir)")
	envFile := fs.String("env", ".env", "dotenv file loaded before the config")
	fs.Usage = func() { usage(fs.Output()); fs.PrintDefaults() }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		usage(stdout)
		return errors.New("missing command")
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := observability.InitLogger(cfg.Log.Level, cfg.Log.Pretty)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "serve":
		return serve(ctx, cfg, logger)
	case "ask":
		return ask(ctx, cfg, logger, rest, stdout)
	case "index":
		return index(ctx, cfg, logger, stdout)
	case "migrate":
		conn, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		fmt.Fprintf(stdout, "migrated %s\n", cfg.Database.Path)
		return nil
	default:
		usage(stdout)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	rt, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("docs_dir", cfg.Retrieval.DocsDir).
		Strs("sources", rt.sources.Names()).
		Bool("journal", cfg.Database.JournalEnabled).
		Msg("toolchat starting")

	go func() {
		report, err := rt.engine.Index(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Initial indexing finished with errors")
		}
		logger.Info().Str("report", printReport(report)).Msg("Documents indexed")
		if cfg.Retrieval.Watch {
			if err := rt.engine.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("Document watcher stopped")
			}
		}
	}()
	go rt.sessions.Run(ctx, cfg.Session.SweepInterval)

	return server.New(server.Deps{
		Config:   cfg.Server,
		Version:  version,
		Apps:     rt.apps,
		Sessions: rt.sessions,
		Sources:  rt.sources,
		Metrics:  rt.metrics,
		Health:   rt.healthChecks(),
		Logger:   logger,
	}).Run(ctx)
}

func ask(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	profile := fs.String("profile", apps.Support, "profile: "+strings.Join(apps.Profiles, ", "))
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return errors.New("ask needs a question")
	}

	rt, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	app, ok := rt.apps[*profile]
	if !ok {
		return fmt.Errorf("unknown profile %q", *profile)
	}
	if *profile == apps.Support {
		if _, err := rt.engine.Index(ctx); err != nil {
			logger.Warn().Err(err).Msg("Indexing finished with errors")
		}
	}

	sess, err := rt.sessions.Start(*profile)
	if err != nil {
		return err
	}
	defer rt.sessions.End(context.Background(), sess.ID())

	resp, err := app.Orchestrator.Turn(ctx, sess, question)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, resp.Text)
	if len(resp.Citations) > 0 {
		fmt.Fprintf(stdout, "\nSources: %s\n", strings.Join(resp.Citations, "; "))
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}

func index(ctx context.Context, cfg *config.Config, logger zerolog.Logger, stdout io.Writer) error {
	conn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, provider, err := newGemini(ctx, cfg, logger)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, conn, provider, client, nil, logger)
	if err != nil {
		return err
	}
	if err := engine.Warm(ctx); err != nil {
		return err
	}
	report, err := engine.Index(ctx)
	fmt.Fprintln(stdout, printReport(report))
	docs, chunks := engine.Stats()
	fmt.Fprintf(stdout, "%d documents, %d chunks in %s\n", docs, chunks, cfg.Retrieval.DocsDir)
	return err
}
