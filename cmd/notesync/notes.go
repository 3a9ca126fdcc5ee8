package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/notevault/notesync/internal/config"
	"github.com/notevault/notesync/internal/model"
	"github.com/notevault/notesync/internal/store"
	"github.com/notevault/notesync/internal/vault"
)

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Manage notes in the local vault",
	Long: `Create, list, and manage notes.

All operations are local and instant; the daemon (or 'notesync sync')
propagates them to the remote later.`,
}

// openVault builds a vault service without engine or attachments, for
// one-shot CLI commands.
func openVault(cfg *config.Config) (*vault.Service, *store.Store) {
	logger := log.New(io.Discard, "", 0)
	st := openStore(cfg, logger)

	svc, err := vault.New(st, nil, nil, vault.Config{
		OwnerID:   cfg.OwnerID,
		Retention: cfg.Retention(),
		Logger:    logger,
	})
	if err != nil {
		_ = st.Close()
		fmt.Fprintf(os.Stderr, "Error opening vault: %v\n", err)
		os.Exit(1)
	}
	return svc, st
}

var notesAddCmd = &cobra.Command{
	Use:   "add <title> [body]",
	Short: "Create a note",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		body := ""
		if len(args) > 1 {
			body = args[1]
		}

		note, err := svc.CreateNote(cmd.Context(), args[0], body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created note %s\n", note.ID)
	},
}

var (
	listFolder string
	listHidden bool
	listBin    bool
)

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		var notes []*model.Note
		var err error
		if listBin {
			notes, err = svc.RecycleBin(cmd.Context())
		} else {
			notes, err = svc.ListNotes(cmd.Context(), listFolder, listHidden)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing notes: %v\n", err)
			os.Exit(1)
		}

		if len(notes) == 0 {
			fmt.Println("No notes")
			return
		}
		for _, note := range notes {
			flags := ""
			if note.Hidden {
				flags += " [hidden]"
			}
			if note.Locked {
				flags += " [locked]"
			}
			if note.Deleted {
				flags += " [deleted]"
			}
			updated := time.UnixMilli(note.UpdatedAt).Format("2006-01-02 15:04")
			fmt.Printf("%s  %s  %s%s\n", note.ID, updated, note.Title, flags)
		}
	},
}

var notesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a note",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		note, err := svc.GetNote(cmd.Context(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if note.Locked {
			password, _ := cmd.Flags().GetString("password")
			if err := svc.CheckLock(cmd.Context(), note.ID, password); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		fmt.Printf("# %s\n\n%s\n", note.Title, note.Body)
		if len(note.AttachmentRefs) > 0 {
			fmt.Printf("\nAttachments: %d\n", len(note.AttachmentRefs))
		}
	},
}

var notesEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Update a note's title or body",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		if title == "" && body == "" {
			fmt.Fprintf(os.Stderr, "Error: nothing to change (use --title or --body)\n")
			os.Exit(1)
		}

		_, err := svc.UpdateNote(cmd.Context(), args[0], func(n *model.Note) {
			if title != "" {
				n.Title = title
			}
			if body != "" {
				n.Body = body
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error updating note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated note %s\n", args[0])
	},
}

var notesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Move a note to the recycle bin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		if err := svc.DeleteNote(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Moved note %s to recycle bin\n", args[0])
	},
}

var notesRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a note from the recycle bin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		if _, err := svc.RestoreNote(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error restoring note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Restored note %s\n", args[0])
	},
}

var notesHideCmd = &cobra.Command{
	Use:   "hide <id>",
	Short: "Hide a note from default listings",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		unhide, _ := cmd.Flags().GetBool("undo")
		if _, err := svc.SetHidden(cmd.Context(), args[0], !unhide); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if unhide {
			fmt.Printf("Unhid note %s\n", args[0])
		} else {
			fmt.Printf("Hid note %s\n", args[0])
		}
	},
}

var notesLockCmd = &cobra.Command{
	Use:   "lock <id> <password>",
	Short: "Protect a note with a password",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		if _, err := svc.LockNote(cmd.Context(), args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error locking note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Locked note %s\n", args[0])
	},
}

var notesUnlockCmd = &cobra.Command{
	Use:   "unlock <id> <password>",
	Short: "Remove a note's password lock",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		if _, err := svc.UnlockNote(cmd.Context(), args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error unlocking note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Unlocked note %s\n", args[0])
	},
}

var notesMoveCmd = &cobra.Command{
	Use:   "move <id> <folder-id>",
	Short: "Move a note into a folder (use \"\" for the root)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		if _, err := svc.MoveToFolder(cmd.Context(), args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error moving note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Moved note %s\n", args[0])
	},
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage folders",
}

var foldersAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		folder, err := svc.CreateFolder(cmd.Context(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating folder: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created folder %s\n", folder.ID)
	},
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List folders",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		folders, err := svc.ListFolders(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing folders: %v\n", err)
			os.Exit(1)
		}
		if len(folders) == 0 {
			fmt.Println("No folders")
			return
		}
		for _, folder := range folders {
			fmt.Printf("%s  %s\n", folder.ID, folder.Name)
		}
	},
}

var foldersRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a folder (notes move to the root)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, st := openVault(cfg)
		defer st.Close()

		if err := svc.DeleteFolder(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting folder: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted folder %s\n", args[0])
	},
}

func init() {
	notesListCmd.Flags().StringVar(&listFolder, "folder", "", "only notes in this folder")
	notesListCmd.Flags().BoolVar(&listHidden, "hidden", false, "include hidden notes")
	notesListCmd.Flags().BoolVar(&listBin, "bin", false, "show the recycle bin instead")

	notesShowCmd.Flags().String("password", "", "password for locked notes")
	notesEditCmd.Flags().String("title", "", "new title")
	notesEditCmd.Flags().String("body", "", "new body")
	notesHideCmd.Flags().Bool("undo", false, "unhide instead")

	notesCmd.AddCommand(notesAddCmd)
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesShowCmd)
	notesCmd.AddCommand(notesEditCmd)
	notesCmd.AddCommand(notesRmCmd)
	notesCmd.AddCommand(notesRestoreCmd)
	notesCmd.AddCommand(notesHideCmd)
	notesCmd.AddCommand(notesLockCmd)
	notesCmd.AddCommand(notesUnlockCmd)
	notesCmd.AddCommand(notesMoveCmd)

	foldersCmd.AddCommand(foldersAddCmd)
	foldersCmd.AddCommand(foldersListCmd)
	foldersCmd.AddCommand(foldersRmCmd)
}
