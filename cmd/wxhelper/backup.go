package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wxhelper/internal/config"
)

// backupLayout maps archive names to paths on disk. Directories are archived
// recursively under their prefix.
type backupLayout struct {
	Config   string
	DB       string
	FilesDir string
	PacksDir string
}

func layoutFor(cfgPath string, cfg *config.Config) backupLayout {
	return backupLayout{
		Config:   cfgPath,
		DB:       cfg.Store.DBPath,
		FilesDir: cfg.Files.Dir,
		PacksDir: cfg.Commands.PacksDir,
	}
}

func backupCmd() *cobra.Command {
	var (
		outputPath string
		withFiles  bool
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of wxhelper data (database, config, command packs)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database, the
configuration file, and the command pack directory. Stored files are included
with --with-files (local file backend only). Stop the server first for a
consistent database copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			layout := layoutFor(resolveConfigPath(), cfg)
			if !withFiles || cfg.Files.Backend != "local" {
				layout.FilesDir = ""
			}

			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wxhelper-backup-%s.tar.gz", ts))
			}

			entries, err := createBackup(outputPath, layout)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			if len(entries) == 0 {
				os.Remove(outputPath)
				return fmt.Errorf("no files to backup (db: %s, config: %s)", layout.DB, layout.Config)
			}

			var total int64
			for _, e := range entries {
				total += e.size
			}
			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d (%s)\n", len(entries), humanSize(total))
			for _, e := range entries {
				if !strings.Contains(e.name, "/") {
					fmt.Printf("  - %s (%s)\n", e.name, humanSize(e.size))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/wxhelper-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&withFiles, "with-files", false, "include stored files")
	return cmd
}

func restoreCmd() *cobra.Command {
	var (
		inputPath string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore wxhelper data from a backup archive",
		Long: `Restores the SQLite database, configuration file, command packs and stored
files from a .tar.gz archive created by 'wxhelper backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: wxhelper restore <file.tar.gz>")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			layout := layoutFor(resolveConfigPath(), cfg)

			if !force {
				existing := false
				for _, p := range []string{layout.DB, layout.Config} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", layout.DB)
					fmt.Printf("  Config:   %s\n", layout.Config)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := restoreBackup(inputPath, layout)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

type backupEntry struct {
	name string
	size int64
}

// createBackup writes the archive. Missing sources are skipped.
func createBackup(outputPath string, l backupLayout) ([]backupEntry, error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return nil, err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	var entries []backupEntry
	add := func(name, src string) error {
		info, err := os.Stat(src)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if err := addFileToTar(tarWriter, name, src, info); err != nil {
			return fmt.Errorf("add %s: %w", src, err)
		}
		entries = append(entries, backupEntry{name: name, size: info.Size()})
		return nil
	}
	addDir := func(prefix, root string) error {
		if root == "" {
			return nil
		}
		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			return add(prefix+"/"+filepath.ToSlash(rel), p)
		})
	}

	if l.DB != "" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := add("wxhelper.db"+suffix, l.DB+suffix); err != nil {
				return nil, err
			}
		}
	}
	if err := add("config.json", l.Config); err != nil {
		return nil, err
	}
	if err := addDir("commands", l.PacksDir); err != nil {
		return nil, err
	}
	if err := addDir("files", l.FilesDir); err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzWriter.Close(); err != nil {
		return nil, err
	}
	return entries, nil
}

func addFileToTar(tw *tar.Writer, name, src string, info fs.FileInfo) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// restoreBackup extracts an archive written by createBackup. Entries whose
// destination is not configured, or that would escape it, are skipped.
func restoreBackup(archivePath string, l backupLayout) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target := l.target(header.Name)
		if target == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func (l backupLayout) target(name string) string {
	name = path.Clean(name)
	switch name {
	case "config.json":
		return l.Config
	case "wxhelper.db", "wxhelper.db-wal", "wxhelper.db-shm":
		if l.DB == "" {
			return ""
		}
		return l.DB + strings.TrimPrefix(name, "wxhelper.db")
	}
	prefix, rest, ok := strings.Cut(name, "/")
	if !ok || rest == "" || rest == ".." || strings.HasPrefix(rest, "../") {
		return ""
	}
	var root string
	switch prefix {
	case "commands":
		root = l.PacksDir
	case "files":
		root = l.FilesDir
	}
	if root == "" {
		return ""
	}
	return filepath.Join(root, filepath.FromSlash(rest))
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
