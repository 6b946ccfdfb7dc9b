package main

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

func TestSplitArchivePath(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantSection string
		wantRel     string
	}{
		{"database", "db/foreman.db", "db", "foreman.db"},
		{"config", "config/foreman.yaml", "config", "foreman.yaml"},
		{"leading dot-slash", "./db/foreman.db", "db", "foreman.db"},
		{"leading slash", "/config/foreman.yaml", "config", "foreman.yaml"},
		{"section only", "db/", "", ""},
		{"bare section", "db", "", ""},
		{"unknown section", "nats/jetstream/meta.inf", "", ""},
		{"parent escape", "config/../../etc/passwd", "", ""},
		{"empty string", "", "", ""},
		{"just a slash", "/", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSection, gotRel := splitArchivePath(tt.input)
			if gotSection != tt.wantSection {
				t.Errorf("splitArchivePath(%q) section = %q, want %q", tt.input, gotSection, tt.wantSection)
			}
			if gotRel != tt.wantRel {
				t.Errorf("splitArchivePath(%q) rel = %q, want %q", tt.input, gotRel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

// createTestArchive builds a zstd-compressed tar with the given entries.
func createTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}

	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	zw.Close()

	return path
}

func TestScanArchive(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{
		"db/foreman.db":       "data",
		"config/foreman.yaml": "llm: {}",
		"nats/meta.inf":       "ignored",
		"random-file.txt":     "ignored",
	})

	names, err := scanArchive(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(names), names)
	}
	found := make(map[string]bool)
	for _, n := range names {
		found[n] = true
	}
	for _, want := range []string{"db/foreman.db", "config/foreman.yaml"} {
		if !found[want] {
			t.Errorf("expected entry %q not found in %v", want, names)
		}
	}
}

func TestScanArchive_Empty(t *testing.T) {
	names, err := scanArchive(createTestArchive(t, map[string]string{}))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("expected 0 entries, got %d: %v", len(names), names)
	}
}

func TestScanArchive_InvalidFile(t *testing.T) {
	if _, err := scanArchive("/nonexistent/file.tar.zst"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestScanArchive_InvalidZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	os.WriteFile(path, []byte("not zstd data"), 0o644)

	if _, err := scanArchive(path); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}

func TestRestoreRefusesExisting(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{"config/foreman.yaml": "new"})

	dst := filepath.Join(t.TempDir(), "foreman.yaml")
	os.WriteFile(dst, []byte("old"), 0o644)

	if _, err := restoreArchive(archivePath, map[string]string{sectionConfig: dst}, false); err == nil {
		t.Fatal("expected restore to refuse an existing file")
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "old" {
		t.Errorf("existing file was modified: %q", data)
	}

	n, err := restoreArchive(archivePath, map[string]string{sectionConfig: dst}, true)
	if err != nil {
		t.Fatalf("restore with overwrite: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 restored file, got %d", n)
	}
	data, _ = os.ReadFile(dst)
	if string(data) != "new" {
		t.Errorf("expected overwritten content, got %q", data)
	}
}

// TestBackupRoundTrip snapshots a live store, restores it elsewhere and
// reads the data back through a fresh store.
func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "live", "foreman.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	if err := db.SaveClient(ctx, &workflow.Client{ID: "acme", Name: "Acme Ltd"}); err != nil {
		t.Fatalf("save client: %v", err)
	}

	cfgFile := filepath.Join(dir, "foreman.yaml")
	os.WriteFile(cfgFile, []byte("engine:\n  max_retries: 2\n"), 0o644)

	archive := filepath.Join(dir, "backup.tar.zst")
	n, err := runBackup(ctx, db, cfgFile, archive)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 files in backup, got %d", n)
	}

	names, err := scanArchive(archive)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(names) != 2 || names[0] != "db/foreman.db" || names[1] != "config/foreman.yaml" {
		t.Fatalf("unexpected archive entries: %v", names)
	}

	restoredDB := filepath.Join(dir, "restored", "foreman.db")
	restoredCfg := filepath.Join(dir, "restored", "foreman.yaml")
	if _, err := restoreArchive(archive, map[string]string{
		sectionDB:     restoredDB,
		sectionConfig: restoredCfg,
	}, false); err != nil {
		t.Fatalf("restore: %v", err)
	}

	cfg, err := config.LoadFile(restoredCfg)
	if err != nil {
		t.Fatalf("load restored config: %v", err)
	}
	if cfg.Engine.MaxRetries != 2 {
		t.Errorf("expected restored max_retries 2, got %d", cfg.Engine.MaxRetries)
	}

	restored, err := store.New(config.StoreConfig{Path: restoredDB})
	if err != nil {
		t.Fatalf("open restored store: %v", err)
	}
	defer restored.Close()

	c, err := restored.GetClient(ctx, "acme")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if c == nil || c.Name != "Acme Ltd" {
		t.Errorf("expected restored client Acme Ltd, got %+v", c)
	}
}
