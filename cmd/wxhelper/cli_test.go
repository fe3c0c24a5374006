package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wxhelper/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	from := backupLayout{
		Config:   filepath.Join(src, "config.json"),
		DB:       filepath.Join(src, "data", "wxhelper.db"),
		FilesDir: filepath.Join(src, "data", "files"),
		PacksDir: filepath.Join(src, "data", "commands"),
	}
	writeFile(t, from.Config, `{"server":{"port":8081}}`)
	writeFile(t, from.DB, "sqlite-bytes")
	writeFile(t, from.DB+"-wal", "wal-bytes")
	writeFile(t, filepath.Join(from.PacksDir, "tools.yaml"), "name: tools\n")
	writeFile(t, filepath.Join(from.FilesDir, "ab", "abcdef.bin"), "blob")

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	entries, err := createBackup(archive, from)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %+v", entries)
	}

	dst := t.TempDir()
	to := backupLayout{
		Config:   filepath.Join(dst, "config.json"),
		DB:       filepath.Join(dst, "wx.db"),
		FilesDir: filepath.Join(dst, "blobs"),
		PacksDir: filepath.Join(dst, "packs"),
	}
	restored, err := restoreBackup(archive, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 5 {
		t.Fatalf("expected 5 restored files, got %v", restored)
	}
	want := []struct{ path, content string }{
		{to.Config, `{"server":{"port":8081}}`},
		{to.DB, "sqlite-bytes"},
		{to.DB + "-wal", "wal-bytes"},
		{filepath.Join(to.PacksDir, "tools.yaml"), "name: tools\n"},
		{filepath.Join(to.FilesDir, "ab", "abcdef.bin"), "blob"},
	}
	for _, w := range want {
		got, err := os.ReadFile(w.path)
		if err != nil {
			t.Fatalf("%s: %v", w.path, err)
		}
		if string(got) != w.content {
			t.Fatalf("%s = %q, want %q", w.path, got, w.content)
		}
	}
}

func TestBackupLayout_Target(t *testing.T) {
	l := backupLayout{Config: "/c/config.json", DB: "/d/x.db", FilesDir: "/f"}
	tests := []struct {
		name, want string
	}{
		{"config.json", "/c/config.json"},
		{"wxhelper.db", "/d/x.db"},
		{"wxhelper.db-shm", "/d/x.db-shm"},
		{"files/aa/b.bin", filepath.Join("/f", "aa", "b.bin")},
		{"files/../../etc/passwd", ""},
		{"../escape", ""},
		{"commands/x.yaml", ""}, // no packs dir configured
		{"unknown.txt", ""},
	}
	for _, tt := range tests {
		if got := l.target(tt.name); got != tt.want {
			t.Errorf("target(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRenderUnit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	p := unitParams{Label: launchdLabel, Exec: "/usr/local/bin/wxhelper", Config: "/etc/wx.json", LogDir: "/var/log/wx", DataDir: "/srv/wx"}

	path, unit, err := renderUnit("linux", p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(path, filepath.Join("systemd", "user", "wxhelper.service")) {
		t.Fatalf("unexpected unit path %s", path)
	}
	if !bytes.Contains(unit, []byte("ExecStart=/usr/local/bin/wxhelper serve --config /etc/wx.json")) {
		t.Fatalf("unit missing ExecStart:\n%s", unit)
	}

	_, plist, err := renderUnit("darwin", p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(plist, []byte("<string>/var/log/wx/wxhelper.log</string>")) {
		t.Fatalf("plist missing log path:\n%s", plist)
	}

	if _, _, err := renderUnit("plan9", p); err == nil {
		t.Fatal("expected unsupported OS error")
	}
}

func TestRunSetup(t *testing.T) {
	cfg := config.Defaults()
	answers := strings.Join([]string{
		"",         // data dir
		"telnet",   // rejected backend
		"loopback", // backend
		"0.0.0.0",  // host
		"http",     // rejected port
		"9090",     // port
		"",         // bot token
		"secret",   // admin token
	}, "\n") + "\n"
	var out bytes.Buffer
	if err := runSetup(strings.NewReader(answers), &out, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.General.DataDir != "~/.wxhelper" {
		t.Fatalf("data dir changed: %q", cfg.General.DataDir)
	}
	if cfg.Backend.Kind != "loopback" || !cfg.Backend.Echo {
		t.Fatalf("backend = %+v", cfg.Backend)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 {
		t.Fatalf("server = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if id, secret, ok := strings.Cut(cfg.Server.BotToken, ":"); !ok || id == "" || len(secret) != 32 {
		t.Fatalf("generated bot token %q", cfg.Server.BotToken)
	}
	if cfg.Server.AdminToken != "secret" {
		t.Fatalf("admin token = %q", cfg.Server.AdminToken)
	}
	if !strings.Contains(out.String(), "please answer browser or loopback") {
		t.Fatalf("backend was not re-asked:\n%s", out.String())
	}
}

func TestBotUserID(t *testing.T) {
	tests := map[string]int64{
		"123456:abc": 123456,
		"":           2,
		"abc:def":    2,
		"1:x":        2, // collides with the chat id
	}
	for token, want := range tests {
		if got := botUserID(token); got != want {
			t.Errorf("botUserID(%q) = %d, want %d", token, got, want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
		3 << 30:         "3.0 GB",
	}
	for n, want := range tests {
		if got := humanSize(n); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", n, got, want)
		}
	}
}
