package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLedgerPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	ctx := context.Background()

	l := NewFileLedger(path)
	record := ImageRecord{
		Identity:     "centos_12_pkgs",
		Distribution: "centos",
		Build:        "12",
		Role:         "pkgs",
		BaseImage:    "centos64",
		BundlePath:   "/work/centos_12_pkgs_box/centos_12_pkgs.box",
		BuiltAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := l.RecordImage(ctx, record); err != nil {
		t.Fatalf("Failed to record image: %v", err)
	}

	// A second ledger on the same file sees the record
	loaded, ok, err := NewFileLedger(path).Image(ctx, "centos_12_pkgs")
	if err != nil {
		t.Fatalf("Failed to load image: %v", err)
	}
	if !ok {
		t.Fatal("Image not found in loaded ledger")
	}
	if loaded.BaseImage != "centos64" || !loaded.BuiltAt.Equal(record.BuiltAt) {
		t.Errorf("Image record mismatch: %+v", loaded)
	}

	if _, ok, _ := l.Image(ctx, "centos_12_compute"); ok {
		t.Error("Expected unknown image to be absent")
	}
}

func TestFileLedgerImagesSorted(t *testing.T) {
	l := NewFileLedger("")
	ctx := context.Background()
	for _, id := range []string{"centos_12_pkgs", "centos_12_compute", "centos_12_controller"} {
		if err := l.RecordImage(ctx, ImageRecord{Identity: id}); err != nil {
			t.Fatalf("RecordImage(%s): %v", id, err)
		}
	}

	images, err := l.Images(ctx)
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	expected := []string{"centos_12_compute", "centos_12_controller", "centos_12_pkgs"}
	if len(images) != len(expected) {
		t.Fatalf("Expected %d images, got %d", len(expected), len(images))
	}
	for i, id := range expected {
		if images[i].Identity != id {
			t.Errorf("Image %d: expected %s, got %s", i, id, images[i].Identity)
		}
	}
}

func TestFileLedgerRunUpdates(t *testing.T) {
	l := NewFileLedger(filepath.Join(t.TempDir(), "ledger.json"))
	ctx := context.Background()
	now := time.Now()

	run := RunRecord{
		ID:        "run-2",
		Name:      "cluster",
		Status:    RunProvisioning,
		CreatedAt: now,
		Members: []MemberRecord{
			{Name: "controller0", Role: "controller", Status: MemberPending},
		},
	}
	if err := l.RecordRun(ctx, RunRecord{ID: "run-1", CreatedAt: now.Add(-time.Hour), Status: RunCompleted}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := l.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	run.Members[0].Status = MemberFailed
	run.Status = RunFailed
	if err := l.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	runs, err := l.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-1" {
		t.Errorf("Expected oldest run first, got %s", runs[0].ID)
	}
	if runs[1].Status != RunFailed || runs[1].Members[0].Status != MemberFailed {
		t.Errorf("Run update lost: %+v", runs[1])
	}
}

func TestNewFallsBackToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	if _, ok := New(nil, path).(*FileLedger); !ok {
		t.Error("Expected file ledger without etcd endpoints")
	}

	// Nothing listens on port 1, so the connection test fails.
	l := New([]string{"127.0.0.1:1"}, path)
	defer l.Close()
	if _, ok := l.(*FileLedger); !ok {
		t.Errorf("Expected fallback to file ledger, got %T", l)
	}
}
