//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orderforge/ordersvc/pkg/api"
	"github.com/orderforge/ordersvc/pkg/manager"
	"github.com/orderforge/ordersvc/pkg/store"
)

type opts struct {
	dbPath   string
	compile  string
	httpAddr string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "orderd",
		Short: "Order Supervisor daemon",
		Long: `orderd runs the Order Supervisor service: it accepts uploaded make-based
build jobs, meters their CPU and wall time against an account balance, and
exposes live status and log streaming over HTTP/WebSocket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().StringVar(&o.dbPath, "db", "orders.sqlite", "path to the SQLite database file")
	root.Flags().StringVar(&o.compile, "compile-dir", "/compile", "root directory under which each order gets its working directory")
	root.Flags().StringVar(&o.httpAddr, "http", ":8080", "HTTP listen address")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(o.compile, 0o755); err != nil {
		return fmt.Errorf("creating compile root: %w", err)
	}

	db, err := store.Open(ctx, o.dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	swept, err := manager.Sweep(ctx, db)
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if swept > 0 {
		slog.Warn("startup sweep rewrote orders left running across a restart", "count", swept)
	}

	mgr := manager.New(db, o.compile)
	go mgr.Run(ctx)

	srv := api.NewServer(mgr)
	httpServer := &http.Server{
		Addr:              o.httpAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", o.httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
