package turn

import (
	"fmt"
	"os"
	"path/filepath"
)

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal layout
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeFileAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
