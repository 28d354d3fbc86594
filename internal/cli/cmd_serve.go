package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/orcflow/internal/api"
	"github.com/randalmurphal/orcflow/internal/watcher"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with hot reload",
		Long: `Start the HTTP API and keep the registry in sync with workflow files.

On start the registry is loaded and runs interrupted by a previous process
resume from their last completed step. Definitions are reloaded when:
  - a workflow file changes (reload.watch)
  - the process receives SIGHUP
  - reload.interval elapses, when set

SIGINT or SIGTERM shuts the server down; running runs resume on the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a.logger = a.newLogger(slog.LevelInfo)
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := a.openServices(ctx)
			if err != nil {
				return err
			}
			defer closeWith(&err, svc)

			if _, err := svc.registry.Reload(ctx); err != nil {
				return err
			}
			resumed, err := svc.orch.ResumeInterrupted(ctx)
			if err != nil {
				return err
			}
			if resumed > 0 {
				a.logger.Info("resumed interrupted runs", "count", resumed)
			}

			r := &reloader{a: a, svc: svc, requests: make(chan string, 1)}
			g, gctx := errgroup.WithContext(ctx)

			if a.cfg.Reload.Watch {
				dirs, err := svc.registry.Dirs(ctx)
				if err != nil {
					return err
				}
				w, err := watcher.New(&watcher.Config{
					Dirs:       dirs,
					OnChange:   func([]string) { r.request("files changed") },
					Logger:     a.logger,
					DebounceMs: a.cfg.Reload.DebounceMs,
				})
				if err != nil {
					return err
				}
				r.watcher = w
				g.Go(func() error {
					if err := w.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			g.Go(func() error {
				var tick <-chan time.Time
				if a.cfg.Reload.Interval > 0 {
					t := time.NewTicker(a.cfg.Reload.Interval)
					defer t.Stop()
					tick = t.C
				}
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-hup:
						r.request("SIGHUP")
					case <-tick:
						r.request("interval")
					}
				}
			})
			g.Go(func() error {
				r.run(gctx)
				return nil
			})

			srv := api.New(api.Config{
				Addr:         addr,
				Store:        svc.store,
				Registry:     svc.registry,
				Orchestrator: svc.orch,
				Recorder:     svc.recorder,
				Logger:       a.logger,
			})
			g.Go(func() error {
				err := srv.StartContext(gctx)
				stop()
				return err
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// reloader serializes reload requests from the watcher, signals and the
// interval ticker. Requests arriving during a reload coalesce into one.
type reloader struct {
	a        *app
	svc      *services
	watcher  *watcher.Watcher
	requests chan string
}

func (r *reloader) request(reason string) {
	select {
	case r.requests <- reason:
	default:
	}
}

func (r *reloader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-r.requests:
			r.reload(ctx, reason)
		}
	}
}

func (r *reloader) reload(ctx context.Context, reason string) {
	diff, err := r.svc.registry.Reload(ctx)
	if err != nil {
		r.a.logger.Error("reload failed, keeping previous definitions", "reason", reason, "error", err)
		return
	}
	r.a.logger.Info("definitions reloaded",
		"reason", reason,
		"version", diff.Version,
		"new", len(diff.New),
		"updated", len(diff.Updated),
		"archived", len(diff.Archived),
		"errors", len(diff.Errors))
	for _, le := range diff.Errors {
		r.a.logger.Warn("workflow file failed to load", "project_id", le.ProjectID, "path", le.Path, "error", le.Error)
	}

	// Projects registered since the last reload bring new directories.
	if r.watcher == nil {
		return
	}
	dirs, err := r.svc.registry.Dirs(ctx)
	if err != nil {
		r.a.logger.Warn("list workflow directories", "error", err)
		return
	}
	for _, dir := range dirs {
		if err := r.watcher.AddDir(dir); err != nil {
			r.a.logger.Warn("watch workflow directory", "dir", dir, "error", err)
		}
	}
}
