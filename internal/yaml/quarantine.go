package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// Header leads every state file the daemon owns.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func ValidateHeader(content []byte, expectedFileType string) error {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if h.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	}
	if h.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	}
	if expectedFileType != "" && h.FileType != expectedFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, expectedFileType)
	}
	return nil
}

// Quarantine moves a corrupt file into stateDir/quarantine and returns its new path.
func Quarantine(stateDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

func RestoreFromBackup(filePath, expectedFileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateHeader(content, expectedFileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

type Recovery int

const (
	RecoveryNone Recovery = iota
	RecoveryFromBackup
	RecoveryReset
)

// LoadState reads a headed state file into out. A file that fails to parse
// is quarantined and replaced by its .bak; when the backup is unusable too,
// RecoveryReset is returned and out is left empty.
func LoadState(stateDir, filePath, fileType string, out any) (Recovery, error) {
	content, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return RecoveryNone, nil
	}
	if err != nil {
		return RecoveryNone, err
	}
	if ValidateHeader(content, fileType) == nil && yamlv3.Unmarshal(content, out) == nil {
		return RecoveryNone, nil
	}

	if _, err := Quarantine(stateDir, filePath); err != nil {
		return RecoveryNone, fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath, fileType); err != nil {
		return RecoveryReset, nil
	}
	if err := Read(filePath, out); err != nil {
		return RecoveryReset, nil
	}
	return RecoveryFromBackup, nil
}
