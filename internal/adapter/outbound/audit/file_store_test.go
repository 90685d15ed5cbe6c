package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rowguard/rowguard/internal/audit"
	"github.com/rowguard/rowguard/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeRecord(ts time.Time, sessionID string) audit.Record {
	return audit.Record{
		Statement: "SELECT 1",
		Groups:    []string{"analysts"},
		SessionID: sessionID,
		Decision:  audit.DecisionForwarded,
		Timestamp: ts,
	}
}

func TestNewFileSink_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "subdir", "audit")
	sink, err := NewFileSink(config.AuditFileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
}

func TestFileSink_WriteAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(config.AuditFileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	rec := makeRecord(time.Now().UTC(), "sess-1")
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	recent := sink.Recent(10)
	if len(recent) != 1 {
		t.Fatalf("expected 1 cached record, got %d", len(recent))
	}
	if recent[0].SessionID != "sess-1" {
		t.Fatalf("unexpected session id %q", recent[0].SessionID)
	}
}

func TestFileSink_DateRotationOpensNewFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(config.AuditFileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	if err := sink.Write(context.Background(), makeRecord(yesterday, "sess-old")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Write(context.Background(), makeRecord(time.Now().UTC(), "sess-new")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected at least 2 audit files after date rotation, got %d", len(entries))
	}
}

func TestFileSink_RetentionSweepDeletesOldFiles(t *testing.T) {
	dir := t.TempDir()
	staleName := "audit-2000-01-01.log"
	if err := os.WriteFile(filepath.Join(dir, staleName), []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	sink, err := NewFileSink(config.AuditFileConfig{Dir: dir, RetentionDays: 1}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if _, err := os.Stat(filepath.Join(dir, staleName)); !os.IsNotExist(err) {
		t.Fatalf("expected stale audit file to be removed by retention sweep")
	}
}
