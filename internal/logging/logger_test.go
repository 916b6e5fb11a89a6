package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetLogging() {
	CloseAll()
	logsDir = ""
	optsMu.Lock()
	opts = Options{}
	logLevel = LevelInfo
	optsMu.Unlock()
}

// TestAllCategoriesLog tests that categories create log files when debug mode is on.
func TestAllCategoriesLog(t *testing.T) {
	defer resetLogging()
	tempDir := t.TempDir()

	err := Initialize(tempDir, Options{DebugMode: true, Level: "debug"})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	categories := []Category{
		CategoryBoot, CategoryScheduler, CategoryHealing, CategoryCheckpoint,
		CategoryCertify, CategoryEvents, CategoryStore, CategoryAPI, CategoryMetrics,
	}
	for _, cat := range categories {
		Get(cat).Info("test message for %s", cat)
	}
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	found := make(map[Category]bool)
	for _, e := range entries {
		for _, cat := range categories {
			if strings.Contains(e.Name(), string(cat)) {
				found[cat] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[cat] {
			t.Errorf("No log file created for category %s", cat)
		}
	}
}

// TestProductionModeNoLogs verifies nothing is written when debug mode is off.
func TestProductionModeNoLogs(t *testing.T) {
	defer resetLogging()
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Scheduler("this should be a no-op")
	Healing("this too")

	if _, err := os.Stat(filepath.Join(tempDir, "logs")); !os.IsNotExist(err) {
		t.Error("logs directory created in production mode")
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetLogging()
	tempDir := t.TempDir()

	err := Initialize(tempDir, Options{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"scheduler": true, "healing": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsCategoryEnabled(CategoryScheduler) {
		t.Error("scheduler category should be enabled")
	}
	if IsCategoryEnabled(CategoryHealing) {
		t.Error("healing category should be disabled")
	}
	// Unlisted categories default to enabled in debug mode.
	if !IsCategoryEnabled(CategoryCertify) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	defer resetLogging()
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	l := Get(CategoryScheduler)
	l.Debug("debug suppressed")
	l.Info("info suppressed")
	l.Warn("warn visible")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	var content []byte
	for _, e := range entries {
		if strings.Contains(e.Name(), "scheduler") {
			content, err = os.ReadFile(filepath.Join(tempDir, "logs", e.Name()))
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
		}
	}
	text := string(content)
	if strings.Contains(text, "suppressed") {
		t.Errorf("low-level messages were written: %s", text)
	}
	if !strings.Contains(text, "warn visible") {
		t.Errorf("warn message missing from log: %s", text)
	}
}

func TestTimer(t *testing.T) {
	defer resetLogging()
	timer := StartTimer(CategoryScheduler, "noop")
	if d := timer.Stop(); d < 0 {
		t.Errorf("Timer.Stop() returned negative duration %v", d)
	}
}
