package enforce

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// IFileSystem appends lines to files. The connection log goes through it so
// tests can capture it.
type IFileSystem interface {
	Append(filename string, content string) error
}

type FileSystem struct {
	mutex sync.Mutex
}

func (f *FileSystem) Append(filename string, content string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, content); err != nil {
		return fmt.Errorf("append to %s: %w", filename, err)
	}
	return nil
}
