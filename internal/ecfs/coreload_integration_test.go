// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package ecfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// goTool locates the go command used to build crashprog, mirroring the
// stdlib's internal/testenv.GoTool without pulling in its wider build-tag
// matrix.
func goTool() (string, error) {
	if p := os.Getenv("GOROOT"); p != "" {
		if path := filepath.Join(p, "bin", "go"); fileExists(path) {
			return path, nil
		}
	}
	return exec.LookPath("go")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TestCoreLoadAndNoteParseOnGeneratedCore builds crashprog, crashes it under
// a controlled core_pattern/RLIMIT_CORE, and feeds the kernel-written core
// through S2 CoreLoad and S3 NoteParse — the two stages that need nothing
// but the file on disk, unlike the rest of the pipeline which also needs
// the crashed pid to still be alive.
func TestCoreLoadAndNoteParseOnGeneratedCore(t *testing.T) {
	if _, err := goTool(); err != nil {
		t.Skipf("skipping: no go toolchain available: %v", err)
	}
	if runtime.GOARCH != "amd64" {
		t.Skip("skipping: only amd64 core layouts are exercised here")
	}

	cleanup := setupCorePattern(t)
	defer cleanup()

	if err := adjustCoreRlimit(t); err != nil {
		t.Fatalf("unable to raise RLIMIT_CORE: %v", err)
	}

	dir := t.TempDir()
	corePath, output, err := generateCore(dir)
	t.Logf("crashprog output: %s", output)
	if err != nil {
		t.Fatalf("generateCore: %v", err)
	}

	core, err := loadCoreImage(corePath)
	if err != nil {
		t.Fatalf("loadCoreImage(%s): %v", corePath, err)
	}
	if len(core.Phdrs) == 0 {
		t.Fatal("generated core has no program headers")
	}

	notes, err := parseNotes(core, core.Order)
	if err != nil {
		t.Fatalf("parseNotes: %v", err)
	}
	if notes.Primary == nil {
		t.Error("generated core produced no NT_PRSTATUS register set")
	}
}

func setupCorePattern(t *testing.T) func() {
	const corePatternPath = "/proc/sys/kernel/core_pattern"

	b, err := os.ReadFile(corePatternPath)
	if err != nil {
		t.Skipf("skipping: unable to read core pattern: %v", err)
	}
	pattern := string(b)

	if !strings.HasPrefix(pattern, "|") && !strings.Contains(pattern, "/") && strings.Contains(pattern, "core") {
		return func() {}
	}
	if os.Getenv("GO_BUILDER_NAME") == "" {
		t.Skipf("skipping: incompatible core pattern %q; would need to write %s globally", pattern, corePatternPath)
	}

	if err := os.WriteFile(corePatternPath, []byte("core"), 0); err != nil {
		t.Skipf("skipping: unable to write core pattern: %v", err)
	}
	return func() {
		if err := os.WriteFile(corePatternPath, []byte(pattern), 0); err != nil {
			t.Errorf("unable to restore core pattern: %v", err)
		}
	}
}

func adjustCoreRlimit(t *testing.T) error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &limit); err != nil {
		return fmt.Errorf("getrlimit(RLIMIT_CORE): %w", err)
	}
	if limit.Max == 0 {
		return fmt.Errorf("RLIMIT_CORE max is 0, core dumping disabled")
	}
	if limit.Cur < limit.Max {
		limit.Cur = limit.Max
		if err := unix.Setrlimit(unix.RLIMIT_CORE, &limit); err != nil {
			return fmt.Errorf("setrlimit(RLIMIT_CORE, %+v): %w", limit, err)
		}
	}
	return nil
}

func generateCore(dir string) (string, []byte, error) {
	gotool, err := goTool()
	if err != nil {
		return "", nil, fmt.Errorf("cannot find go tool: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", nil, fmt.Errorf("getwd: %w", err)
	}
	srcPath := filepath.Join(cwd, "testdata", "crashprog", "main.go")

	cmd := exec.Command(gotool, "build", "-o", "crashprog.exe", srcPath)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", nil, fmt.Errorf("building crashprog: %w\n%s", err, out)
	}

	cmd = exec.Command("./crashprog.exe")
	cmd.Env = append(os.Environ(), "GOTRACEBACK=crash")
	cmd.Dir = dir

	var b bytes.Buffer
	cmd.Stdout, cmd.Stderr = &b, &b
	runtime.LockOSThread()
	err = cmd.Run()
	runtime.UnlockOSThread()

	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return "", b.Bytes(), fmt.Errorf("crashprog did not crash, got %T %w", err, err)
	}

	dd, err := os.ReadDir(dir)
	if err != nil {
		return "", b.Bytes(), fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, d := range dd {
		if strings.Contains(d.Name(), "core") {
			return filepath.Join(dir, d.Name()), b.Bytes(), nil
		}
	}
	return "", b.Bytes(), fmt.Errorf("no core file produced in %s", dir)
}
