package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cloudzz-dev/estatemsg/internal/client/api"
	"github.com/cloudzz-dev/estatemsg/internal/client/realtime"
	"github.com/cloudzz-dev/estatemsg/internal/client/session"
	"github.com/cloudzz-dev/estatemsg/internal/client/ui"
	"github.com/cloudzz-dev/estatemsg/internal/config"
	"github.com/cloudzz-dev/estatemsg/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	Profile    string
	ConfigPath string
	Debug      bool
	Server     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "estatemsg",
		Short: "Terminal client for brokerage conversations",
		Long: `Terminal client for brokerage conversations.

Logs in against the REST API, keeps one realtime connection open for the
session and shows the conversation directory and the selected chat.

Examples:
  estatemsg
  estatemsg --server https://chat.example.com --profile work
  estatemsg --debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Profile, "profile", "default", "saved session profile")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a TOML config file")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "write a debug log next to the saved session")
	cmd.Flags().StringVar(&opts.Server, "server", "", "server base URL for both REST and realtime")

	return cmd
}

func run(opts *rootOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	cc := cfg.Client
	if opts.Server != "" {
		cc.APIURL, cc.SocketURL = opts.Server, opts.Server
	}

	saved, err := session.Load(opts.Profile)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if saved.Valid() && opts.Server == "" {
		cc.APIURL, cc.SocketURL = saved.APIURL, saved.SocketURL
	}

	log := zap.NewNop()
	if opts.Debug {
		lc := cfg.Log
		lc.FileName = filepath.Join(session.GetConfigDir(opts.Profile), "debug.log")
		lc.Level = "debug"
		if log, err = logger.NewFileOnly(lc); err != nil {
			return err
		}
		defer log.Sync()
	}

	client := api.New(cc.APIURL, api.WithHTTPClient(&http.Client{Timeout: cc.HTTPTimeout}))
	rt, err := realtime.New(realtime.FromClientConfig(cc), realtime.WithLogger(log.Named("realtime")))
	if err != nil {
		return err
	}

	m := ui.New(ui.Deps{
		API:       client,
		Realtime:  rt,
		Profile:   opts.Profile,
		APIURL:    cc.APIURL,
		SocketURL: cc.SocketURL,
		Saved:     saved,
		Log:       log,
	})
	defer m.Close()

	log.Info("client starting", zap.String("api", cc.APIURL), zap.String("socket", cc.SocketURL))
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
