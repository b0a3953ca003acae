package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/internal/app"
	"github.com/MrWong99/voxcap/internal/archive"
	"github.com/MrWong99/voxcap/internal/dispatch"
	"github.com/MrWong99/voxcap/internal/observe"
)

func newTranscribeCmd(g *globalFlags) *cobra.Command {
	var (
		language string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "transcribe FILE",
		Short: "Transcribe one audio file using the configured servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscribe(cmd.Context(), g, args[0], language, asJSON)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "spoken language (empty lets the server detect it)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func runTranscribe(parent context.Context, g *globalFlags, path, language string, asJSON bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	newLogger(cfg.Server.LogLevel)

	met := observe.DefaultMetrics()
	manager := app.NewManager(cfg, met)
	client := app.NewClient(cfg)

	// One health-check pass so selection starts from fresh health and load data.
	manager.CheckServers(ctx, client)

	opts := []dispatch.Option{
		dispatch.WithConfig(app.DispatchConfig(cfg)),
		dispatch.WithMetrics(met),
	}
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		pg, err := archive.OpenPostgres(ctx, dsn)
		if err != nil {
			slog.Warn("transcript archive unavailable, continuing without it", "err", err)
		} else {
			defer pg.Close()
			opts = append(opts, dispatch.WithSink(pg))
		}
	}

	res, err := dispatch.New(manager, client, opts...).Transcribe(ctx, dispatch.File(path), language)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Println(res.Text)
	slog.Info("transcription finished",
		"server", res.ServerURL,
		"language", res.Language,
		"duration", res.Duration,
		"processing_time", res.ProcessingTime,
	)
	return nil
}
