package taskstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const breathingYAML = `id: breathing
title: Breathing reassurance
instructions: Acknowledge the fear before offering any advice.
criteria: [empathy, clarity]
max_score: 5
pass_score: 3
voice: nova
examples:
  - id: ex1
    statement: I wake up at night and I can't catch my breath.
    vocabulary: [inhaler]
`

func writeTaskFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestSeedFromDir(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "breathing.yaml", breathingYAML)
	writeTaskFile(t, dir, "notes.txt", "not a task")

	store := NewMemStore()
	n, err := SeedFromDir(context.Background(), store, dir)
	if err != nil {
		t.Fatalf("SeedFromDir: %v", err)
	}
	if n != 1 {
		t.Errorf("imported = %d, want 1", n)
	}

	def, err := store.Get(context.Background(), "breathing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Title != "Breathing reassurance" {
		t.Errorf("Title = %q", def.Title)
	}
	if len(def.Examples) != 1 || def.Examples[0].ID != "ex1" {
		t.Errorf("Examples = %+v", def.Examples)
	}
}

func TestSeedFromDirRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "bad.yaml", "id: x\ntitle: X\nmax_scor: 5\n")

	_, err := SeedFromDir(context.Background(), NewMemStore(), dir)
	if err == nil {
		t.Fatal("SeedFromDir = nil error, want unknown-field rejection")
	}
}

func TestSeedFromDirRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	// Missing title and max_score; Upsert validation must refuse it.
	writeTaskFile(t, dir, "invalid.yaml", "id: broken\n")

	_, err := SeedFromDir(context.Background(), NewMemStore(), dir)
	if err == nil {
		t.Fatal("SeedFromDir = nil error, want validation failure")
	}
}

func TestSeedFromDirMissingDir(t *testing.T) {
	_, err := SeedFromDir(context.Background(), NewMemStore(), filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("SeedFromDir = nil error, want read error")
	}
}
