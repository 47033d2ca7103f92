package config_test

import (
	"os"
	"path/filepath"
)

func writeRuntimeSymbol(dataDir, content string) error {
	dir := filepath.Join(dataDir, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "runtime_symbol.json"), []byte(content), 0o644)
}
