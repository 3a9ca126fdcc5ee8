package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/notevault/notesync/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the vault to a JSONL backup",
	Long: `Write every note (tombstones included) and folder to a JSONL file.

The file is written atomically: an interrupted export never leaves a
truncated backup at the target path.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := log.New(io.Discard, "", 0)
		st := openStore(cfg, logger)
		defer st.Close()

		result, err := export.Export(cmd.Context(), st, cfg.OwnerID, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting vault: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Exported %d notes and %d folders to %s\n", result.Notes, result.Folders, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSONL backup into the vault",
	Long: `Load notes and folders from a JSONL backup.

Imported records go through the regular change log, so they sync to the
remote like fresh edits. Records older than what the vault already holds
are skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := log.New(io.Discard, "", 0)
		st := openStore(cfg, logger)
		defer st.Close()

		result, err := export.Import(cmd.Context(), st, cfg.OwnerID, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing backup: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Imported %d notes and %d folders (%d skipped)\n",
			result.Notes, result.Folders, result.Skipped)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Permanently remove expired recycle-bin notes",
	Long: `Remove recycle-bin notes older than the retention window.

Only notes whose deletion has been acknowledged by the remote are purged;
a tombstone still waiting to sync is kept so the deletion propagates.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		n, err := svc.PurgeExpired(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error purging recycle bin: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Purged %d notes\n", n)
	},
}
