package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devwatch/internal/backends/scriptext"
	"devwatch/internal/buildlog"
	"devwatch/internal/controlplane"
	"devwatch/internal/incremental"
	"devwatch/internal/journal"
	"devwatch/internal/models"
	"devwatch/internal/notify"
	"devwatch/internal/outputs"
	"devwatch/internal/reconcile"
	"devwatch/internal/tui"
	"devwatch/internal/watcher"
)

var (
	manifestPath string
	outDir       string
	listenAddr   string
	journalPath  string
	publicURL    string
	debounce     time.Duration
	useTUI       bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the app and keep extension builds in sync",
	Long:  `Performs an initial full build of every extension, then rebuilds affected extensions as their sources or the manifest change, until interrupted.`,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&manifestPath, "manifest", "devwatch.yaml", "Path to the app manifest")
	watchCmd.Flags().StringVar(&outDir, "out", ".devwatch/out", "Build output root (relative to the app root)")
	watchCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7477", "Listen address for the status API")
	watchCmd.Flags().StringVar(&journalPath, "journal", ".devwatch/journal.db", "Path to the build journal database")
	watchCmd.Flags().StringVar(&publicURL, "public-url", "", "Public URL handed to extension builds")
	watchCmd.Flags().DurationVar(&debounce, "debounce", notify.DefaultDebounce, "Quiet window before a change burst is processed")
	watchCmd.Flags().BoolVar(&useTUI, "tui", false, "Render a live status UI instead of log output")
}

func runWatch(cmd *cobra.Command, args []string) error {
	absManifest, err := filepath.Abs(manifestPath)
	if err != nil {
		return err
	}

	reconciler := reconcile.New(absManifest, scriptext.FromConfig)
	app, err := reconciler.Bootstrap()
	if err != nil {
		return err
	}
	appRoot := reconciler.AppRoot()

	store := outputs.NewStore(resolveUnder(appRoot, outDir))
	sink := buildlog.NewSink(os.Stdout)
	registry := incremental.NewRegistry(scriptext.SessionFactory(store, sink, publicURL))
	dispatcher := watcher.NewDispatcher(registry, store, sink, publicURL)
	session := watcher.NewSession(app, store, registry, dispatcher, reconciler)
	defer registry.Close()

	jrnl, err := journal.Open(resolveUnder(appRoot, journalPath))
	if err != nil {
		return err
	}
	defer jrnl.Close()

	session.OnEvent(func(batch models.ReconciledBatch) {
		if err := jrnl.RecordBatch(context.Background(), batch); err != nil {
			log.Printf("Error journaling batch %s: %v", batch.ID, err)
		}
	})
	session.OnBuild(func(batchID string, results []models.BuildResult) {
		if err := jrnl.RecordBuilds(context.Background(), batchID, results); err != nil {
			log.Printf("Error journaling builds: %v", err)
		}
	})
	session.OnStart(func() {
		log.Printf("Watching %s (%d extensions), output in %s", appRoot, len(session.App().Extensions), session.OutputRoot())
	})

	server := controlplane.NewServer(session, jrnl, listenAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
		close(serverErr)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Start(ctx); err != nil {
		return err
	}

	fswatch, err := notify.New(appRoot, debounce, store.Root(), filepath.Dir(resolveUnder(appRoot, journalPath)))
	if err != nil {
		return err
	}
	defer fswatch.Close()
	go func() {
		if err := fswatch.Run(ctx, reconciler.HandleChange); err != nil && ctx.Err() == nil {
			log.Printf("Watcher stopped: %v", err)
		}
	}()

	if useTUI {
		if err := tui.Run(session, session.App()); err != nil {
			log.Printf("TUI error: %v", err)
		}
	} else {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down...", sig)
		case err := <-serverErr:
			if err != nil {
				log.Printf("Status API error: %v", err)
			}
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Status API shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// resolveUnder anchors a possibly-relative path at the app root.
func resolveUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
