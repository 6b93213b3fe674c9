// Command ledgerctl exercises the ledgerstore library end to end. It
// is not a product CLI — there is no subcommand tree and no flags
// worth documenting; it exists so the write pipeline, reactive
// queries, and sync engine can be driven from outside the test suite
// during development.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/untoldecay/ledgerstore"
)

type note struct {
	ID   string
	Text string
	Done bool
}

func (n *note) TableName() string { return "notes" }

func (n *note) ToColumns() map[string]any {
	done := 0
	if n.Done {
		done = 1
	}
	return map[string]any{
		"id":   n.ID,
		"text": n.Text,
		"done": done,
	}
}

func (n *note) FromColumns(cols map[string]any) error {
	if v, ok := cols["id"].(string); ok {
		n.ID = v
	}
	if v, ok := cols["text"].(string); ok {
		n.Text = v
	}
	switch v := cols["done"].(type) {
	case int64:
		n.Done = v != 0
	case bool:
		n.Done = v
	}
	return nil
}

func main() {
	ctx := context.Background()

	db, err := ledgerstore.OpenMemory()
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx, []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			done INTEGER NOT NULL DEFAULT 0
		)`,
	}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Printf("database id: %s\n\n", db.DatabaseID())

	sub, err := db.Subscribe(ctx, "SELECT id, text, done FROM notes WHERE done = 0", nil,
		func(rows []map[string]any) {
			fmt.Printf("open notes: %d\n", len(rows))
		})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	n := &note{Text: "write the changelog merge test"}
	if err := db.Save(ctx, n); err != nil {
		log.Fatalf("save: %v", err)
	}
	fmt.Printf("saved note %s\n", n.ID)

	n.Done = true
	if err := db.Save(ctx, n); err != nil {
		log.Fatalf("save: %v", err)
	}
	fmt.Println("marked note done")

	engine, err := ledgerstore.NewSyncEngineBuilder().InMemory().Build(ctx)
	if err != nil {
		log.Fatalf("build sync engine: %v", err)
	}
	if err := engine.Sync(ctx, db); err != nil {
		log.Fatalf("sync: %v", err)
	}
	fmt.Println("sync pass complete")
}
