package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"

	"wxhelper/internal/config"
)

const (
	launchdLabel = "com.wxhelper.serve"
	systemdUnit  = "wxhelper.service"
)

// unitParams fills the service templates.
type unitParams struct {
	Label   string
	Exec    string
	Config  string
	LogDir  string
	DataDir string
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the wxhelper background service (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install wxhelper serve as a user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := daemonParams()
			if err != nil {
				return err
			}
			path, unit, err := renderUnit(runtime.GOOS, p)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(p.LogDir, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, unit, 0o644); err != nil {
				return err
			}
			fmt.Printf("Daemon installed: %s\n", path)
			switch runtime.GOOS {
			case "darwin":
				fmt.Printf("To start: launchctl load %s\n", path)
				fmt.Printf("To stop:  launchctl unload %s\n", path)
			case "linux":
				fmt.Printf("To start:  systemctl --user start wxhelper\n")
				fmt.Printf("To enable: systemctl --user enable wxhelper\n")
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the wxhelper user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := unitPath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the service file without installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := daemonParams()
			if err != nil {
				return err
			}
			_, unit, err := renderUnit(runtime.GOOS, p)
			if err != nil {
				return err
			}
			os.Stdout.Write(unit)
			return nil
		},
	})
	return cmd
}

func daemonParams() (unitParams, error) {
	execPath, err := os.Executable()
	if err != nil {
		return unitParams{}, fmt.Errorf("cannot determine executable path: %w", err)
	}
	cfgPath, err := filepath.Abs(resolveConfigPath())
	if err != nil {
		return unitParams{}, err
	}
	dataDir := config.ExpandPath(config.Defaults().General.DataDir)
	if cfg, err := config.Load(cfgPath); err == nil {
		dataDir = cfg.General.DataDir
	}
	return unitParams{
		Label:   launchdLabel,
		Exec:    execPath,
		Config:  cfgPath,
		LogDir:  filepath.Join(dataDir, "logs"),
		DataDir: dataDir,
	}, nil
}

func unitPath(goos string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

// renderUnit returns where the service file goes and its contents.
func renderUnit(goos string, p unitParams) (string, []byte, error) {
	path, err := unitPath(goos)
	if err != nil {
		return "", nil, err
	}
	tmpl := systemdTemplate
	if goos == "darwin" {
		tmpl = launchdTemplate
	}
	var buf bytes.Buffer
	if err := template.Must(template.New("unit").Parse(tmpl)).Execute(&buf, p); err != nil {
		return "", nil, err
	}
	return path, buf.Bytes(), nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/wxhelper.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/wxhelper-error.log</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=wxhelper WeChat file transfer bot
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.DataDir}}
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
