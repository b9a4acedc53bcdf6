package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRotatingFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "test.log")

	rf, err := NewRotatingFile(logFile, 0, 0)
	if err != nil {
		t.Fatalf("NewRotatingFile() error = %v", err)
	}
	defer func() { _ = rf.Close() }()

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("log file was not created")
	}

	if _, err := NewRotatingFile("", 0, 0); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestRotatingFile_RotatesAtSize(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	rf, err := NewRotatingFile(logFile, 20, 2)
	if err != nil {
		t.Fatalf("NewRotatingFile() error = %v", err)
	}
	defer func() { _ = rf.Close() }()

	for _, line := range []string{"first line 0123\n", "second line 012\n", "third line 0123\n", "fourth line 012\n"} {
		if _, err := rf.Write([]byte(line)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	current, _ := os.ReadFile(logFile)
	if string(current) != "fourth line 012\n" {
		t.Errorf("current file = %q", current)
	}
	b1, _ := os.ReadFile(logFile + ".1")
	if string(b1) != "third line 0123\n" {
		t.Errorf("backup 1 = %q", b1)
	}
	b2, _ := os.ReadFile(logFile + ".2")
	if string(b2) != "second line 012\n" {
		t.Errorf("backup 2 = %q", b2)
	}
	if _, err := os.Stat(logFile + ".3"); !os.IsNotExist(err) {
		t.Error("backups beyond the limit must be removed")
	}
}

func TestRotatingFile_AppendsToExisting(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(logFile, []byte("existing\n"), 0600); err != nil {
		t.Fatal(err)
	}

	rf, err := NewRotatingFile(logFile, 0, 0)
	if err != nil {
		t.Fatalf("NewRotatingFile() error = %v", err)
	}
	_, _ = rf.Write([]byte("appended\n"))
	_ = rf.Close()

	data, _ := os.ReadFile(logFile)
	if !strings.HasPrefix(string(data), "existing\n") || !strings.HasSuffix(string(data), "appended\n") {
		t.Errorf("content = %q", data)
	}
}

func TestRotatingFile_WriteAfterClose(t *testing.T) {
	rf, err := NewRotatingFile(filepath.Join(t.TempDir(), "test.log"), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := rf.Write([]byte("x")); err == nil {
		t.Error("expected error writing to closed file")
	}
}
