package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// runCmd executes the root command with args and returns its output.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config using a sqlite database inside dir and
// returns its path.
func writeConfig(t *testing.T, dir, policy string) string {
	t.Helper()
	content := fmt.Sprintf(`target: Alice
system_prompt: "You are Alice, chatting with friends."
timezone: UTC
selection:
  policy: %s
database:
  driver: sqlite
  path: %s
bot:
  channel: "C1"
`, policy, filepath.Join(dir, "mimic.db"))
	path := filepath.Join(dir, "mimic.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "mimic dev") {
		t.Errorf("expected output to contain 'mimic dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	want := "mimic 1.0.0 (commit: abc123, built: 2026-01-01)\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCmd(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, sub := range []string{"build", "messages", "stats", "moderate", "train", "bot", "serve", "db", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestRootCmdNoArgs(t *testing.T) {
	// Root command with no args should print help (not error)
	if _, err := runCmd(t); err != nil {
		t.Fatalf("root command with no args failed: %v", err)
	}
}

func TestExecuteSuccess(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"version"})
	code := execute(cmd)
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestExecuteError(t *testing.T) {
	cmd := &cobra.Command{
		Use:           "failing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("intentional error")
		},
	}
	code := execute(cmd)
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	t.Setenv("MIMIC_TEST_FROM_ENV", "")
	os.Unsetenv("MIMIC_TEST_FROM_ENV")

	// No .env is not an error.
	loadEnv()

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MIMIC_TEST_FROM_ENV=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	loadEnv()
	if got := os.Getenv("MIMIC_TEST_FROM_ENV"); got != "loaded" {
		t.Errorf("MIMIC_TEST_FROM_ENV = %q, want loaded", got)
	}
}
