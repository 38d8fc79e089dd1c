package util

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetLogOutputLevels(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf, false)
	t.Cleanup(func() { SetLogOutput(os.Stderr, false) })

	Debugf("hidden %d", 1)
	Infof("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug message leaked at info level: %s", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("info message missing: %s", out)
	}

	buf.Reset()
	SetLogOutput(&buf, true)
	Debugf("visible %s", "now")
	if !strings.Contains(buf.String(), "visible now") {
		t.Fatalf("debug message missing in verbose mode: %s", buf.String())
	}
}

func TestSetupLoggingWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sqlexam.log")
	if err := SetupLogging(false, path); err != nil {
		t.Fatalf("setup logging: %v", err)
	}
	t.Cleanup(func() {
		if err := SetupLogging(false, ""); err != nil {
			t.Errorf("reset logging: %v", err)
		}
	})
	Warnf("persisted %s", "line")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted line") {
		t.Fatalf("log file missing message: %s", data)
	}
}
