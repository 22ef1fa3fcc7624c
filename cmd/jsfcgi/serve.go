package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/jsfcgi/fcgi"
	"github.com/caffeineduck/jsfcgi/internal/logging"
	"github.com/caffeineduck/jsfcgi/internal/metrics"
	"github.com/caffeineduck/jsfcgi/server"
)

const metricsShutdownTimeout = 5 * time.Second

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	log, flush, err := a.logger()
	if err != nil {
		return err
	}
	defer flush()

	settings, path, err := a.settings()
	if err != nil {
		return err
	}
	if path == "" {
		log.Info("no configuration file found, using defaults")
	} else {
		log.V(logging.VERBOSE).Info("loaded configuration file", "path", path)
	}
	log.V(logging.DEBUG).Info("effective settings", settings.Describe()...)

	ln, err := fcgi.Listen(settings.Listen, settings.Backlog)
	if err != nil {
		return err
	}
	defer ln.Close()
	ln.SetMaxConns(settings.Threads)
	ln.SetLogger(log.WithName("fcgi"))

	exec, err := a.newExecutor(log.WithName("executor"))
	if err != nil {
		return err
	}
	defer exec.Close()

	srv, err := server.New(settings, server.NewExecutorSandbox(exec, sessionOptions(settings)...), server.WithLogger(log.WithName("server")))
	if err != nil {
		return err
	}

	metrics.Register()
	var metricsLn net.Listener
	if settings.MetricsListen != "" {
		if metricsLn, err = net.Listen("tcp", settings.MetricsListen); err != nil {
			return fmt.Errorf("metrics listen %s: %w", settings.MetricsListen, err)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		log.Info("serving metrics", "listen", metricsLn.Addr().String())
		g.Go(func() error {
			if err := hs.Serve(metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer scancel()
			return hs.Shutdown(sctx)
		})
	}

	log.Info("serving",
		"listen", ln.Addr().String(),
		"threads", settings.Threads,
		"sandbox", settings.Sandbox,
	)
	g.Go(func() error {
		defer cancel()
		return srv.Serve(gctx, server.NewFCGITransport(ln))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
