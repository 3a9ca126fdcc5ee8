// notesync is the NoteVault offline-first note client.
//
// It keeps notes in a local SQLite vault, records every edit in a change
// log, and synchronizes with the NoteVault server when one is configured.
// All commands work fully offline; sync catches up later.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/notevault/notesync/internal/config"
	"github.com/notevault/notesync/internal/remote"
	"github.com/notevault/notesync/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "Offline-first note vault with background sync",
	Long: `notesync keeps your notes in a local SQLite vault and synchronizes
them with a NoteVault server in the background.

Edits always land locally first and never wait on the network. A change
log records everything done offline; the sync engine drains it whenever
the server is reachable and resolves concurrent edits deterministically
(last writer wins, deletions always win).`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(notesCmd)
	rootCmd.AddCommand(foldersCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(purgeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration or exits with a readable error.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.OwnerID == "" {
		fmt.Fprintf(os.Stderr, "Error: owner_id is not configured\n")
		fmt.Fprintf(os.Stderr, "Set it in notesync.yaml or with NOTESYNC_OWNER_ID\n")
		os.Exit(1)
	}
	return cfg
}

// openStore opens the vault database or exits.
func openStore(cfg *config.Config, logger *log.Logger) *store.Store {
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening vault database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}

// newGateway builds the remote gateway from config, or nil when no remote
// is configured.
func newGateway(cfg *config.Config) remote.Gateway {
	if !cfg.Online() {
		return nil
	}
	gw, err := remote.NewHTTPGateway(remote.HTTPConfig{
		BaseURL: cfg.RemoteURL,
		Token:   cfg.RemoteToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring remote gateway: %v\n", err)
		os.Exit(1)
	}
	return gw
}
