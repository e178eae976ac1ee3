package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"pkt.systems/fapgate/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandProductFlag(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--product")
	if err != nil {
		t.Fatalf("version --product failed: %v", err)
	}
	major, minor := version.Product()
	if want := fmt.Sprintf("%d.%d\n", major, minor); stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}
