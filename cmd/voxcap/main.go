// Command voxcap dispatches audio transcription jobs to a pool of remote
// whisper servers.
//
//	voxcap serve                    run the dispatcher with its HTTP API
//	voxcap transcribe FILE          transcribe one file and print the text
//	voxcap status                   show the persisted job and server state
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by all subcommands.
type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "voxcap",
		Short:        "Health-aware transcription dispatcher for whisper servers",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "voxcap.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(g),
		newTranscribeCmd(g),
		newStatusCmd(g),
	)
	return root
}

// loadConfig loads the config file named by --config.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; see configs/example.yaml", g.configPath)
		}
		return nil, err
	}
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger installs a text logger on stderr whose level can be changed at
// runtime through the returned LevelVar.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(level.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}
