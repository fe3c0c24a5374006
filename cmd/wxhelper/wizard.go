package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"wxhelper/internal/config"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: data dir, backend, server, tokens",
		Long:  "Walks through the data directory, WeChat backend, listen address and API tokens, then writes the config to the path used by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runSetup(os.Stdin, os.Stdout, cfg); err != nil {
				return err
			}
			cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig written to %s\n", cfgPath)
			fmt.Println("Next: 'wxhelper serve', then 'wxhelper login' in another terminal.")
			return nil
		},
	}
}

// runSetup asks the questions on out and reads answers from in, editing cfg.
// An empty answer keeps the value shown in brackets.
func runSetup(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	ask := func(question, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", question, def)
		} else {
			fmt.Fprintf(out, "%s: ", question)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		if s := strings.TrimSpace(line); s != "" {
			return s, nil
		}
		return def, nil
	}

	fmt.Fprintln(out, "\n--- Step 1: Data directory ---")
	dir, err := ask("Directory for the database, files and browser profile", cfg.General.DataDir)
	if err != nil {
		return err
	}
	cfg.General.DataDir = dir

	fmt.Fprintln(out, "\n--- Step 2: WeChat backend ---")
	fmt.Fprintln(out, "  browser   drive WeChat web in headless Chrome")
	fmt.Fprintln(out, "  loopback  in-process fake, for trying clients out")
	for {
		kind, err := ask("Backend", cfg.Backend.Kind)
		if err != nil {
			return err
		}
		if kind == "browser" || kind == "loopback" {
			cfg.Backend.Kind = kind
			break
		}
		fmt.Fprintln(out, "  please answer browser or loopback")
	}
	if cfg.Backend.Kind == "browser" {
		headless, err := ask("Run Chrome headless (yes/no)", yesNo(cfg.Backend.Headless))
		if err != nil {
			return err
		}
		cfg.Backend.Headless = strings.HasPrefix(strings.ToLower(headless), "y")
	} else {
		cfg.Backend.Echo = true
	}

	fmt.Fprintln(out, "\n--- Step 3: HTTP server ---")
	host, err := ask("Listen host", cfg.Server.Host)
	if err != nil {
		return err
	}
	cfg.Server.Host = host
	for {
		port, err := ask("Listen port", strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return err
		}
		if n, err := strconv.Atoi(port); err == nil && n > 0 && n < 65536 {
			cfg.Server.Port = n
			break
		}
		fmt.Fprintln(out, "  please enter a port between 1 and 65535")
	}

	fmt.Fprintln(out, "\n--- Step 4: Tokens ---")
	botToken := cfg.Server.BotToken
	if botToken == "" {
		botToken = newBotToken()
	}
	if cfg.Server.BotToken, err = ask("Bot token (clients use /bot<token>/)", botToken); err != nil {
		return err
	}
	adminToken := cfg.Server.AdminToken
	if adminToken == "" {
		adminToken = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if cfg.Server.AdminToken, err = ask("Admin token (login and management API)", adminToken); err != nil {
		return err
	}

	return config.Validate(cfg)
}

// newBotToken makes a token shaped like Telegram's "<id>:<secret>".
func newBotToken() string {
	id := uuid.New()
	n := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d:%s", 100000+n%900000000, secret)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
