// Command freshell runs the terminal streaming server: it owns PTY processes
// and streams their output to WebSocket viewers with strict sequencing and
// replay.
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/freshell/freshell/internal/api"
	"github.com/freshell/freshell/internal/claude"
	"github.com/freshell/freshell/internal/config"
	"github.com/freshell/freshell/internal/layout"
	"github.com/freshell/freshell/internal/terminal"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "freshell",
	Short: "Terminal streaming server",
	Long:  "freshell spawns PTY processes and streams their output over WebSocket with sequenced, replayable frames.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: built-in defaults plus FRESHELL_* env)")
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg config.Config) error {
	registry := terminal.NewRegistry(terminal.RegistryOptions{
		ReplayWindowBytes: cfg.Terminal.ReplayWindowBytes,
		ScrollbackBytes:   cfg.Terminal.ScrollbackBytes,
		DefaultShell:      cfg.Terminal.DefaultShell,
		ClaudeCommand:     cfg.Claude.Command,
	})
	bridge := claude.NewBridge(cfg.Claude.Command)
	handler := api.NewHandler(registry, bridge, layout.NewStore(), api.Options{
		Token:            cfg.Token,
		CreateRateMax:    cfg.Terminal.CreateRateMax,
		CreateRateWindow: cfg.Terminal.CreateRateWindow,
	})

	r := chi.NewRouter()
	handler.Mount(r)

	log.Printf("freshell: listening on %s (instance %s)", cfg.Listen, registry.InstanceID())
	return http.ListenAndServe(cfg.Listen, r)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
