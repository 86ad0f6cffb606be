package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(append([]string{"--backend=generic", "--log-level=error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestBackendCmd(t *testing.T) {
	r := require.New(t)

	out, err := run(t, "backend")
	r.NoError(err)
	r.Equal("generic\n", out)
}

func TestLoadCmd(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	r.NoError(os.WriteFile(a, []byte("hello"), 0o644))
	r.NoError(os.WriteFile(b, bytes.Repeat([]byte("x"), 1000), 0o644))

	out, err := run(t, "load", a, b)
	r.NoError(err)
	r.Contains(out, a+"\t5\n")
	r.Contains(out, b+"\t1000\n")

	out, err = run(t, "load", "--print", a)
	r.NoError(err)
	r.Equal("hello", out)

	_, err = run(t, "load", a, filepath.Join(dir, "missing"))
	r.Error(err)
}

func TestCopyCmd(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	var sb strings.Builder
	for i := 0; sb.Len() < 100_000; i++ {
		sb.WriteString(strings.Repeat(string(rune('a'+i%26)), i%97+1))
	}
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	r.NoError(os.WriteFile(src, []byte(sb.String()), 0o644))

	out, err := run(t, "copy", "--chunk-size=4096", src, dst)
	r.NoError(err)
	r.Contains(out, "\t"+strconv.Itoa(sb.Len()))

	got, err := os.ReadFile(dst)
	r.NoError(err)
	r.Equal(sb.String(), string(got))
}

func TestCopyEmpty(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	r.NoError(os.WriteFile(src, nil, 0o644))

	_, err := run(t, "copy", src, dst)
	r.NoError(err)

	fi, err := os.Stat(dst)
	r.NoError(err)
	r.Zero(fi.Size())
}

func TestBadConfig(t *testing.T) {
	r := require.New(t)

	_, err := run(t, "backend", "--log-format=xml")
	r.ErrorContains(err, "log_format")
}
