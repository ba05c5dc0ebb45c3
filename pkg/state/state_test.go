package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRemove(t *testing.T) {
	root := t.TempDir()

	rs := &RunState{
		ProjectRoot: root,
		Project:     "candidate-eval",
		CreatedAt:   time.Now(),
		Result:      "success",
		Services: []ServiceRecord{
			{Name: "db", State: "healthy", PID: 4242, Command: []string{"postgres"}},
			{Name: "api", State: "started", PID: 4243, Command: []string{"uvicorn", "app:app"}},
		},
	}
	require.NoError(t, Save(root, rs))
	require.FileExists(t, StatePath(root))

	got, err := Load(root)
	require.NoError(t, err)
	require.Equal(t, "candidate-eval", got.Project)
	require.Len(t, got.Services, 2)
	require.Equal(t, "db", got.Services[0].Name)
	require.Equal(t, 4242, got.Services[0].PID)

	require.NoError(t, Remove(root))
	require.NoError(t, Remove(root), "removing twice is fine")
	_, err = Load(root)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSanitizeEnv(t *testing.T) {
	env := map[string]string{
		"POSTGRES_PASSWORD":   "hunter2",
		"MINIO_SECRET_KEY":    "abc",
		"AWS_ACCESS_KEY_ID":   "AKIA...",
		"SERVICE_AUTH_TOKEN":  "tok",
		"DATABASE_HOST":       "localhost",
		"UVICORN_WORKERS":     "2",
		"TLS_PRIVATE_KEYFILE": "/etc/certs/k.pem",
	}
	out := SanitizeEnv(env)
	require.Equal(t, "[REDACTED]", out["POSTGRES_PASSWORD"])
	require.Equal(t, "[REDACTED]", out["MINIO_SECRET_KEY"])
	require.Equal(t, "[REDACTED]", out["AWS_ACCESS_KEY_ID"])
	require.Equal(t, "[REDACTED]", out["SERVICE_AUTH_TOKEN"])
	require.Equal(t, "[REDACTED]", out["TLS_PRIVATE_KEYFILE"])
	require.Equal(t, "localhost", out["DATABASE_HOST"])
	require.Equal(t, "2", out["UVICORN_WORKERS"])

	require.Nil(t, SanitizeEnv(nil))
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.stdout.log")

	var b strings.Builder
	for i := 1; i <= 100; i++ {
		b.WriteString("line-")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	lines, err := TailLines(path, 10, 0)
	require.NoError(t, err)
	require.Len(t, lines, 10)

	all, err := TailLines(path, 1000, 0)
	require.NoError(t, err)
	require.Len(t, all, 100)
	require.Equal(t, all[len(all)-10:], lines)

	// A tight byte budget drops the partial leading line.
	capped, err := TailLines(path, 1000, 64)
	require.NoError(t, err)
	require.NotEmpty(t, capped)
	for _, l := range capped {
		require.True(t, strings.HasPrefix(l, "line-"), "line %q should be complete", l)
	}

	_, err = TailLines(filepath.Join(dir, "missing.log"), 10, 0)
	require.Error(t, err)
}

func TestProcessAlive(t *testing.T) {
	require.True(t, ProcessAlive(os.Getpid()))
	require.False(t, ProcessAlive(0))
	require.False(t, ProcessAlive(-1))
	// PID far beyond any default pid_max.
	require.False(t, ProcessAlive(1 << 30))
}
