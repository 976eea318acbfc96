package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twoyi/internal/logging"
)

func writeInit(t *testing.T, romDir, script string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(romDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(romDir, "init"), []byte("#!/bin/sh\n"+script), 0o755))
}

func waitExit(t *testing.T, p Process) Exit {
	t.Helper()
	select {
	case <-p.Done():
		return p.Exit()
	case <-time.After(10 * time.Second):
		require.FailNow(t, "engine did not exit")
		return Exit{}
	}
}

func TestLocalLaunchRunsInitInRomDir(t *testing.T) {
	dir := t.TempDir()
	romDir := filepath.Join(dir, "rom")
	logFile := filepath.Join(dir, "engine.log")
	writeInit(t, romDir, `echo "cwd=$(pwd) epoch=$TWOYI_EPOCH loader=$TYLOADER args=$*"; exit 3`)

	l := NewLocal(logging.Discard())
	p, err := l.Launch(context.Background(), Spec{
		Epoch:      7,
		RomDir:     romDir,
		SocketPath: filepath.Join(dir, "ctl.sock"),
		Init:       "init",
		Args:       []string{"a", "b"},
		Loader:     "/loader",
		LogFile:    logFile,
		HostEnv:    []string{"PATH=" + os.Getenv("PATH")},
	})
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	exit := waitExit(t, p)
	assert.Equal(t, 3, exit.Code)
	assert.NoError(t, exit.Err)
	assert.False(t, exit.At.IsZero())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	resolved, _ := filepath.EvalSymlinks(romDir)
	assert.Contains(t, []string{
		"cwd=" + romDir + " epoch=7 loader=/loader args=a b",
		"cwd=" + resolved + " epoch=7 loader=/loader args=a b",
	}, line)
}

func TestLocalLaunchAppendsLog(t *testing.T) {
	dir := t.TempDir()
	romDir := filepath.Join(dir, "rom")
	logFile := filepath.Join(dir, "engine.log")
	writeInit(t, romDir, "echo run")

	l := NewLocal(logging.Discard())
	for range 2 {
		p, err := l.Launch(context.Background(), Spec{RomDir: romDir, Init: "init", LogFile: logFile, HostEnv: []string{}})
		require.NoError(t, err)
		waitExit(t, p)
	}

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data))
}

func TestLocalLaunchSpawnErrors(t *testing.T) {
	dir := t.TempDir()
	romDir := filepath.Join(dir, "rom")
	require.NoError(t, os.MkdirAll(romDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(romDir, "noexec"), []byte("x"), 0o644))

	l := NewLocal(logging.Discard())
	for _, init := range []string{"missing", "noexec"} {
		t.Run(init, func(t *testing.T) {
			_, err := l.Launch(context.Background(), Spec{RomDir: romDir, Init: init})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSpawn), "got %v", err)
		})
	}
}

func TestLocalKillTerminatesProcessGroup(t *testing.T) {
	dir := t.TempDir()
	romDir := filepath.Join(dir, "rom")
	writeInit(t, romDir, "sleep 60 & sleep 60")

	l := NewLocal(logging.Discard())
	p, err := l.Launch(context.Background(), Spec{RomDir: romDir, Init: "init", HostEnv: []string{"PATH=" + os.Getenv("PATH")}})
	require.NoError(t, err)

	require.NoError(t, p.Kill(context.Background()))
	exit := waitExit(t, p)
	assert.Equal(t, 128+9, exit.Code)

	assert.NoError(t, p.Kill(context.Background()), "killing an exited engine is a no-op")
}
