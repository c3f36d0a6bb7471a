package records

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlutil "github.com/msageha/artifactd/internal/yaml"
)

// FileSink writes state/records/<task_id>.yaml, create-once.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".yaml")
}

func (s *FileSink) Write(_ context.Context, r *Record) error {
	rec := *r
	rec.SchemaVersion = yamlutil.CurrentSchemaVersion
	rec.FileType = FileType
	err := yamlutil.WriteOnce(s.path(r.TaskID), &rec)
	if errors.Is(err, yamlutil.ErrExists) {
		return nil
	}
	return err
}

// Read returns the stored record of taskID, or an error wrapping
// fs.ErrNotExist.
func (s *FileSink) Read(taskID string) (*Record, error) {
	var r Record
	if err := yamlutil.Read(s.path(taskID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *FileSink) Close() error { return nil }
