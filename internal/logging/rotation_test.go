package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(b)
}

func TestRollingFile_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("before\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rf, err := openRollingFile(path, DefaultRotation())
	if err != nil {
		t.Fatalf("openRollingFile() error = %v", err)
	}
	if _, err := rf.Write([]byte("after\n")); err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != "before\nafter\n" {
		t.Errorf("log file = %q", got)
	}
}

func TestRollingFile_Rotation(t *testing.T) {
	line := bytes.Repeat([]byte("x"), 400*1024)
	line = append(line, '\n')

	tests := []struct {
		name        string
		backups     int
		writes      int
		wantBackups []int
		wantGone    []int
	}{
		{name: "no rotation under limit", backups: 3, writes: 2, wantGone: []int{1}},
		{name: "first rotation", backups: 3, writes: 3, wantBackups: []int{1}, wantGone: []int{2}},
		{name: "backups capped", backups: 2, writes: 12, wantBackups: []int{1, 2}, wantGone: []int{3}},
		{name: "zero backups discards", backups: 0, writes: 6, wantGone: []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), LogFileName)
			rf, err := openRollingFile(path, Rotation{MaxSizeMB: 1, MaxBackups: tt.backups})
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = rf.Close() }()

			for i := 0; i < tt.writes; i++ {
				if _, err := rf.Write(line); err != nil {
					t.Fatalf("Write() #%d error = %v", i, err)
				}
			}
			for _, n := range tt.wantBackups {
				if _, err := os.Stat(rf.backup(n)); err != nil {
					t.Errorf("backup %d missing: %v", n, err)
				}
			}
			for _, n := range tt.wantGone {
				if _, err := os.Stat(rf.backup(n)); !os.IsNotExist(err) {
					t.Errorf("backup %d exists, want none", n)
				}
			}
			if info, err := os.Stat(path); err != nil || info.Size() > 1<<20 {
				t.Errorf("active log = %v, %v; want at most 1MB", info, err)
			}
		})
	}
}

func TestRollingFile_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	rf, err := openRollingFile(path, Rotation{MaxSizeMB: 0, MaxBackups: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rf.Close() }()

	big := bytes.Repeat([]byte("y"), 2<<20)
	for i := 0; i < 2; i++ {
		if _, err := rf.Write(big); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(rf.backup(1)); !os.IsNotExist(err) {
		t.Error("rotation happened with MaxSizeMB 0")
	}
}

func TestRollingFile_WriteAfterClose(t *testing.T) {
	rf, err := openRollingFile(filepath.Join(t.TempDir(), LogFileName), DefaultRotation())
	if err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := rf.Write([]byte("late\n")); err == nil {
		t.Error("Write() after Close() succeeded")
	}
}

func TestNewRotatingLogger_RollsJSONLines(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewRotatingLogger(dir, LevelInfo, Rotation{MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("NewRotatingLogger() error = %v", err)
	}

	payload := strings.Repeat("z", 64*1024)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				logger.WithSession("s1").Info("chunk", "payload", payload)
			}
		}()
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{LogFileName, LogFileName + ".1"} {
		content := readFile(t, filepath.Join(dir, name))
		for _, l := range strings.Split(strings.TrimSpace(content), "\n") {
			if !strings.HasPrefix(l, "{") || !strings.HasSuffix(l, "}") {
				t.Fatalf("%s holds a torn line of %d bytes", name, len(l))
			}
		}
	}
	if _, err := os.Stat(filepath.Join(dir, LogFileName+".2")); !os.IsNotExist(err) {
		t.Error("more backups than configured")
	}
}
