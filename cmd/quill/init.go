package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/quill/examples"
)

// runInit initializes a Quill working directory: a db/ directory for
// the SQLite file and a config.yaml copied from the bundled example.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Quill workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	// The config holds API keys once edited.
	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, kept)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set your provider keys, then run: quill serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
