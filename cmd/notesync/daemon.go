package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/notevault/notesync/internal/attach"
	"github.com/notevault/notesync/internal/engine"
	"github.com/notevault/notesync/internal/monitor"
	"github.com/notevault/notesync/internal/vault"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the notesync daemon in the foreground.

The daemon:
  1. Syncs the change log with the remote on a fixed interval
  2. Uploads and downloads attachments on a bounded worker pool
  3. Watches the spool directory for staged attachment files
  4. Purges recycle-bin notes past the retention window once a day
  5. Optionally serves a WebSocket monitor for real-time sync status

Stop it with SIGINT or SIGTERM; an interrupted sync cycle leaves the
vault consistent and resumes on the next start.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger := newDaemonLogger(cfg.LogFile)
		logger.Printf("notesync daemon starting (owner=%s device=%s)", cfg.OwnerID, cfg.DeviceID)

		st := openStore(cfg, logger)
		defer st.Close()

		gw := newGateway(cfg)
		if gw == nil {
			logger.Println("No remote configured; running offline (local edits queue in the change log)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Monitor server (optional).
		var mon *monitor.Server
		if cfg.MonitorPort > 0 {
			mon = monitor.NewServer(&monitor.Config{Port: cfg.MonitorPort, Logger: logger})
			if err := mon.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting monitor server: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := mon.Stop(); err != nil {
					logger.Printf("Warning: monitor shutdown: %v", err)
				}
			}()
		}

		var eng *engine.Engine
		var mgr *attach.Manager

		if gw != nil {
			var err error
			eng, err = engine.New(st, gw, nil, engine.Config{
				OwnerID:   cfg.OwnerID,
				BatchSize: cfg.BatchSize,
				Interval:  cfg.SyncInterval,
				Logger:    logger,
				OnStatus: func(s engine.Status) {
					if mon == nil {
						return
					}
					mon.BroadcastSyncState(monitor.SyncStateData{
						State:     string(s.State),
						ErrorKind: string(s.ErrorKind),
						LastError: s.LastError,
						Attempt:   s.Attempt,
					})
				},
				OnCycleComplete: func(stats engine.CycleStats) {
					if mon == nil {
						return
					}
					mon.BroadcastSyncComplete(monitor.SyncCompleteData{
						Pushed:    stats.Pushed,
						Pulled:    stats.Pulled,
						Conflicts: stats.Reconciled,
						Duration:  stats.Duration,
					})
				},
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
				os.Exit(1)
			}

			mgr, err = attach.NewManager(st, gw, attach.Config{
				CacheDir: cfg.CacheDir,
				Workers:  cfg.UploadWorkers,
				Logger:   logger,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating attachment manager: %v\n", err)
				os.Exit(1)
			}
		}

		svc, err := vault.New(st, eng, mgr, vault.Config{
			OwnerID:   cfg.OwnerID,
			Retention: cfg.Retention(),
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating vault service: %v\n", err)
			os.Exit(1)
		}

		done := make(chan struct{})
		running := 0

		if eng != nil {
			running++
			go func() {
				_ = eng.Run(ctx)
				done <- struct{}{}
			}()
		}
		if mgr != nil {
			running++
			go func() {
				_ = mgr.Run(ctx)
				done <- struct{}{}
			}()

			spool, err := attach.NewSpool(mgr, cfg.SpoolDir, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating spool watcher: %v\n", err)
				os.Exit(1)
			}
			if err := spool.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting spool watcher: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := spool.Stop(); err != nil {
					logger.Printf("Warning: spool shutdown: %v", err)
				}
			}()
		}

		// Daily recycle-bin purge.
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := svc.PurgeExpired(ctx); err != nil {
						logger.Printf("Warning: recycle-bin purge failed: %v", err)
					} else if n > 0 {
						logger.Printf("Recycle-bin purge removed %d notes", n)
					}
				}
			}
		}()

		<-ctx.Done()
		logger.Println("Shutting down...")
		for i := 0; i < running; i++ {
			<-done
		}
		logger.Println("notesync daemon stopped")
	},
}

// newDaemonLogger logs to a rotated file when configured, stderr otherwise.
func newDaemonLogger(logFile string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, "[notesync] ", log.LstdFlags)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Run a single push/pull/reconcile cycle against the remote.

Useful from scripts or cron when the daemon is not running. Fails
immediately on fatal errors (invalid session, quota exceeded) instead of
retrying.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if !cfg.Online() {
			fmt.Fprintf(os.Stderr, "Error: no remote configured (set remote_url)\n")
			os.Exit(1)
		}

		logger := log.New(os.Stderr, "[notesync] ", log.LstdFlags)
		st := openStore(cfg, logger)
		defer st.Close()

		eng, err := engine.New(st, newGateway(cfg), nil, engine.Config{
			OwnerID:   cfg.OwnerID,
			BatchSize: cfg.BatchSize,
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		ctx := cmd.Context()
		if err := eng.SyncCycle(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		pending, _ := st.PendingCount(ctx)
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		if pending > 0 {
			fmt.Printf("   Pending changes: %d (run again or start the daemon)\n", pending)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := log.New(io.Discard, "", 0)
		st := openStore(cfg, logger)
		defer st.Close()

		ctx := cmd.Context()
		pending, err := st.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading change log: %v\n", err)
			os.Exit(1)
		}
		cursor, err := st.Cursor(ctx, cfg.OwnerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync cursor: %v\n", err)
			os.Exit(1)
		}

		status := map[string]interface{}{
			"db_path":         cfg.DBPath,
			"owner_id":        cfg.OwnerID,
			"remote":          cfg.RemoteURL,
			"pending_changes": pending,
			"sync_cursor":     cursor,
		}
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
