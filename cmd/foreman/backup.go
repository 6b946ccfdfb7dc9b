package main

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/foreman/internal/store"
)

// Top-level archive sections.
const (
	sectionDB     = "db"
	sectionConfig = "config"
)

var archiveSections = map[string]bool{sectionDB: true, sectionConfig: true}

func newBackupCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backup -f <output.tar.zst>",
		Short: "Write a consistent snapshot of the SQLite store and config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "sqlite" {
				return fmt.Errorf("backup supports the sqlite store only, use pg_dump for %s", cfg.Store.Driver)
			}
			db, err := store.New(cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			n, err := runBackup(cmd.Context(), db, path, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup complete: %d files, %s\n", n, formatSize(fileSize(output)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "", "output archive path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var input string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "restore -f <backup.tar.zst>",
		Short: "Restore a backup into the configured store and config paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			targets := map[string]string{
				sectionDB:     cfg.Store.Path,
				sectionConfig: path,
			}
			n, err := restoreArchive(input, targets, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restore complete: %d files\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "file", "f", "", "archive to restore")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing files")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// runBackup snapshots the database with VACUUM INTO and writes it, plus
// the config file when present, to a zstd tar at output. The archive only
// appears at output once it is complete.
func runBackup(ctx context.Context, db *store.Store, configFile, output string) (int, error) {
	tmpDir, err := os.MkdirTemp("", "foreman-backup-*")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "foreman.db")
	if err := db.Snapshot(ctx, snapshot); err != nil {
		return 0, err
	}

	files := []archiveFile{{name: path.Join(sectionDB, "foreman.db"), src: snapshot}}
	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			files = append(files, archiveFile{name: path.Join(sectionConfig, filepath.Base(configFile)), src: configFile})
		}
	}

	pf, err := renameio.NewPendingFile(output, renameio.WithPermissions(0o600))
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer pf.Cleanup()

	if err := writeArchive(pf, files); err != nil {
		return 0, err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("finalize archive: %w", err)
	}
	return len(files), nil
}

type archiveFile struct {
	name string
	src  string
}

func writeArchive(w io.Writer, files []archiveFile) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, f := range files {
		slog.Info("adding to backup", "name", f.name)
		if err := addFile(tw, f); err != nil {
			return fmt.Errorf("add %s: %w", f.name, err)
		}
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, f archiveFile) error {
	src, err := os.Open(f.src)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    f.name,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: info.ModTime().Truncate(time.Second),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, src)
	return err
}

// scanArchive lists the file entries of an archive without extracting
// their data. Entries outside the known sections are ignored.
func scanArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if section, _ := splitArchivePath(hdr.Name); section != "" {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}

// restoreArchive writes each section's file to targets[section]. Without
// overwrite, any existing target aborts the restore before anything is written.
func restoreArchive(path string, targets map[string]string, overwrite bool) (int, error) {
	names, err := scanArchive(path)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("archive contains no restorable files")
	}
	if !overwrite {
		for _, name := range names {
			section, _ := splitArchivePath(name)
			if dst := targets[section]; dst != "" {
				if _, err := os.Stat(dst); err == nil {
					return 0, fmt.Errorf("%s already exists, add --overwrite to replace it", dst)
				}
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		section, _ := splitArchivePath(hdr.Name)
		dst := targets[section]
		if dst == "" {
			continue
		}
		if err := restoreFile(tr, dst); err != nil {
			return restored, fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
		if section == sectionDB {
			// A stale WAL would be replayed over the restored database.
			_ = os.Remove(dst + "-wal")
			_ = os.Remove(dst + "-shm")
		}
		slog.Info("restored", "name", hdr.Name, "path", dst)
		restored++
	}
	return restored, nil
}

func restoreFile(r io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	pf, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o600))
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, r); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

// splitArchivePath splits "db/foreman.db" into ("db", "foreman.db").
// Returns an empty section for unknown or malformed paths.
func splitArchivePath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx <= 0 {
		return "", ""
	}
	section, rel = name[:idx], name[idx+1:]
	if !archiveSections[section] || rel == "" || strings.Contains(rel, "..") {
		return "", ""
	}
	return section, rel
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
