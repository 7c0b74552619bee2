package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRedactSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact}))
	l.Info("连接存储", slog.String("dsn", "user:pw@tcp(db)/proofchain"), slog.String("network", "ethereum"), slog.String("Signer_Key", "abcd"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["dsn"] != redacted || entry["Signer_Key"] != redacted {
		t.Fatalf("secrets leaked: %v", entry)
	}
	if entry["network"] != "ethereum" {
		t.Fatalf("ordinary fields must be kept: %v", entry)
	}
}

func TestInitWritesAuditStreamToFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Service:     "proofchaind-test",
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("提交记录已创建", slog.String("record_id", "r-1"))
	Named("poller").Info("轮询完成")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"record_id":"r-1"`) || !strings.Contains(string(data), `"stream":"audit"`) {
		t.Fatalf("unexpected audit log: %s", data)
	}
	app, err := os.ReadFile(filepath.Join(dir, "app.log"))
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"poller"`) || strings.Contains(string(app), "r-1") {
		t.Fatalf("unexpected app log: %s", app)
	}
}

func TestRotatingWriterKeepsBoundedBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}
	w.maxSize = 16
	tick := time.Now()
	w.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if got := len(w.backups()); got != 2 {
		t.Fatalf("expected 2 backups, got %d", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 11 {
		t.Fatalf("active file should hold only the last entry, got %d bytes", info.Size())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
