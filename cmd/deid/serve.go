package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"med-deid/internal/api"
	"med-deid/internal/config"
	"med-deid/internal/dict"
)

func newServeCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the redaction HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(f, func(rt *runtime) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				printBanner(cmd.OutOrStdout(), rt.cfg)
				return serve(ctx, rt)
			})
		},
	}
}

// serve runs the API until ctx is done. With WatchDicts and a dictionary
// directory, edits to the directory rebuild the engine.
func serve(ctx context.Context, rt *runtime) error {
	eng, err := rt.newEngine()
	if err != nil {
		return err
	}
	srv := api.New(rt.cfg, eng, rt.build, rt.terms, rt.log.Module("API"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	if rt.cfg.WatchDicts && rt.cfg.DictDir != "" {
		g.Go(func() error {
			return dict.Watch(ctx, rt.cfg.DictDir, rt.log.Module("DICT"), func(*dict.Set) {
				if err := srv.Reload(); err != nil {
					rt.log.Errorf("reload", "after dictionary change: %v", err)
				}
			})
		})
	}
	return g.Wait()
}

func printBanner(w io.Writer, cfg *config.Config) {
	dictDir := cfg.DictDir
	if dictDir == "" {
		dictDir = "(embedded)"
	}
	cachePath := cfg.CachePath
	if cachePath == "" {
		cachePath = "(memory)"
	}
	auth := "off"
	if cfg.APIToken != "" {
		auth = "bearer token"
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          Medical Record De-identification            ║
╚══════════════════════════════════════════════════════╝
  API address     : %s:%d
  Strategy        : %s
  Backend         : %s
  Name policy     : %s
  Date shift      : %d days
  Dictionaries    : %s (watch %v)
  Mapping cache   : %s
  Auth            : %s

  Try it:
    curl -s http://%s:%d/redact -d '{"text":"患者张三，45岁"}'
`, cfg.BindAddress, cfg.APIPort,
		cfg.Strategy, cfg.Backend, cfg.NamePolicy, cfg.ShiftDays,
		dictDir, cfg.WatchDicts, cachePath, auth,
		cfg.BindAddress, cfg.APIPort)
}
