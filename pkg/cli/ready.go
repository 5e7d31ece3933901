package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const defaultReadyFile = "/var/run/privacy-agent/agent-ready"

// markReady writes the current unix time to path so that container
// entrypoints can wait for enforcement before starting the workload.
func markReady(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ready dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open ready file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", time.Now().Unix()); err != nil {
		return fmt.Errorf("write ready file: %w", err)
	}
	return nil
}
