package processor

import (
	"fmt"

	"github.com/msageha/artifactd/internal/model"
)

// New builds the adapter selected by cfg.Type. Exec processors run inside
// workDir.
func New(cfg model.ProcessorConfig, workDir string) (Processor, error) {
	switch cfg.Type {
	case "exec":
		e := NewExec(cfg.Command, cfg.Args, cfg.RetryableExitCodes)
		e.Dir = workDir
		return e, nil
	case "http":
		return NewHTTP(cfg.URL, cfg.HTTPTimeout), nil
	}
	return nil, fmt.Errorf("unknown processor type %q", cfg.Type)
}
