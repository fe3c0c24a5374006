package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"wxhelper/internal/command"
	"wxhelper/internal/config"
	"wxhelper/internal/store"
)

type doctorReport struct {
	passed, failed, warned int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wxhelper installation",
		Long: `Verifies that wxhelper's configuration, database, file storage, browser
and command packs are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wxhelper doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wxhelper init' or 'wxhelper setup' to create a configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("config is invalid")
			}
			r.pass("Config validation", "valid")

			runChecks(&r, cfg)

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running wxhelper.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nwxhelper should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Start the server with 'wxhelper serve'.\n")
			}
			return nil
		},
	}
}

func runChecks(r *doctorReport, cfg *config.Config) {
	if err := checkWritableDir(cfg.General.DataDir); err != nil {
		r.fail("Data directory", err.Error())
	} else {
		r.pass("Data directory", cfg.General.DataDir)
	}

	if err := checkDatabase(cfg.Store.DBPath); err != nil {
		r.fail("Database", err.Error())
	} else {
		r.pass("Database", cfg.Store.DBPath)
	}

	switch cfg.Files.Backend {
	case "s3":
		r.pass("File storage", "s3://"+cfg.Files.S3.Bucket+"/"+cfg.Files.S3.Prefix)
	default:
		if err := checkWritableDir(cfg.Files.Dir); err != nil {
			r.fail("File storage", err.Error())
		} else {
			r.pass("File storage", cfg.Files.Dir)
		}
	}

	if cfg.Backend.Kind == "browser" {
		if path, err := findChrome(); err != nil {
			r.fail("Chrome", "no Chrome/Chromium binary found in PATH")
		} else {
			r.pass("Chrome", path)
		}
	} else {
		r.warn("Backend", "loopback backend does not talk to WeChat")
	}

	if cfg.Server.BotToken == "" {
		r.warn("Bot token", "empty: any token is accepted")
	} else {
		r.pass("Bot token", "configured")
	}
	if cfg.Server.AdminToken == "" {
		r.warn("Admin token", "empty: login and management routes are disabled")
	} else {
		r.pass("Admin token", "configured")
	}

	if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
		r.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
	} else {
		r.pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
	}

	if packs, err := command.LoadPacks(cfg.Commands.PacksDir, logger); err != nil {
		r.warn("Command packs", err.Error())
	} else {
		bad := 0
		for _, p := range packs {
			if _, err := p.Compile(resty.New()); err != nil {
				r.warn("Pack: "+p.Name, err.Error())
				bad++
			}
		}
		if bad == 0 {
			r.pass("Command packs", fmt.Sprintf("%d pack(s) in %s", len(packs), cfg.Commands.PacksDir))
		}
	}

	if cfg.Mirror.Enabled {
		if cfg.Mirror.URL == "" {
			r.fail("AMQP mirror", "mirror.url is empty")
		} else {
			r.pass("AMQP mirror", "queue "+cfg.Mirror.Queue)
		}
	}

	if cfg.General.LogFile != "" {
		if err := checkWritableDir(filepath.Dir(cfg.General.LogFile)); err != nil {
			r.warn("Log file", err.Error())
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkDatabase opens the store, which applies the schema, and reads from it.
func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.Stats(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	if err := db.SetState(ctx, "doctor.check", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return db.DeleteState(ctx, "doctor.check")
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

func findChrome() (string, error) {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	mac := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
	if _, err := os.Stat(mac); err == nil {
		return mac, nil
	}
	return "", exec.ErrNotFound
}
