package engine_test

import (
	"context"
	"fmt"
	"log"

	"github.com/notevault/notesync/internal/engine"
	"github.com/notevault/notesync/internal/remote"
	"github.com/notevault/notesync/internal/store"
)

// This example demonstrates running the sync loop from a daemon.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	st, err := store.Open("notesync.db", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	if err := st.InitSchema(); err != nil {
		log.Fatal(err)
	}

	gw, err := remote.NewHTTPGateway(remote.HTTPConfig{
		BaseURL: "https://sync.example.com",
		Token:   "secret",
	})
	if err != nil {
		log.Fatal(err)
	}

	eng, err := engine.New(st, gw, nil, engine.Config{OwnerID: "alice"})
	if err != nil {
		log.Fatal(err)
	}

	// Run blocks until the context is cancelled, syncing periodically
	// and whenever TriggerSync is called.
	if err := eng.Run(context.Background()); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Engine stopped")
}

// This example demonstrates a one-shot cycle, as the CLI sync command does.
func ExampleEngine_SyncCycle() {
	st, err := store.Open("notesync.db", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	eng, err := engine.New(st, remote.NewMemoryGateway(), nil, engine.Config{OwnerID: "alice"})
	if err != nil {
		log.Fatal(err)
	}

	if err := eng.SyncCycle(context.Background()); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Sync complete")
}
