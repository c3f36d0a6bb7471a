// Package config loads artifactd.yaml, applies ARTIFACTD_* environment
// overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/msageha/artifactd/internal/model"
	yamlutil "github.com/msageha/artifactd/internal/yaml"
)

const (
	EnvPrefix    = "ARTIFACTD"
	DefaultFile  = "artifactd.yaml"
	stateDirName = ".artifactd"
)

var defaults = map[string]any{
	"paths.watch":   []string{"watch"},
	"paths.output":  "output",
	"paths.archive": "archive",
	"paths.errors":  "errors",
	"paths.temp":    "temp",
	"paths.state":   stateDirName,

	"watcher.pattern":       "*.json",
	"watcher.recursive":     true,
	"watcher.quiet_period":  2 * time.Second,
	"watcher.poll_interval": 500 * time.Millisecond,
	"watcher.scan_interval": 30 * time.Second,

	"router.urgent_keywords": []string{"urgent", "critical", "emergency", "asap"},
	"router.low_keywords":    []string{"low", "backlog", "archive", "bulk"},

	"processing.mode":              "hybrid",
	"processing.max_workers":       4,
	"processing.batch_size":        10,
	"processing.batch_timeout":     30 * time.Second,
	"processing.retry_attempts":    3,
	"processing.retry_delay":       5 * time.Second,
	"processing.max_retry_delay":   5 * time.Minute,
	"processing.task_timeout":      2 * time.Minute,
	"processing.dispatch_interval": time.Second,

	"queue.backend":                  "file",
	"queue.max_queue_size":           1000,
	"queue.priority_levels":          []string{"high", "medium", "low"},
	"queue.visibility_timeout":       5 * time.Minute,
	"queue.reap_interval":            10 * time.Second,
	"queue.redis_url":                "",
	"queue.redis_prefix":             "artifactd",
	"queue.starvation_guard.enabled": false,
	"queue.starvation_guard.ratio":   10,

	"monitoring.sample_interval":              10 * time.Second,
	"monitoring.window":                       5 * time.Minute,
	"monitoring.history_size":                 8640,
	"monitoring.consecutive_samples":          3,
	"monitoring.http_addr":                    "",
	"monitoring.alert_thresholds.cpu_usage":    80.0,
	"monitoring.alert_thresholds.memory_usage": 85.0,
	"monitoring.alert_thresholds.queue_size":   1000,
	"monitoring.alert_thresholds.error_rate":   0.1,

	"processor.type":                 "exec",
	"processor.command":              "cat",
	"processor.args":                 []string{},
	"processor.retryable_exit_codes": []int{75},
	"processor.url":                  "",
	"processor.http_timeout":         0,

	"records.postgres_url": "",
	"records.table":        "completion_records",

	"logging.level": "info",

	"daemon.shutdown_timeout": 30 * time.Second,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path (optional; empty means defaults plus environment only),
// resolves relative paths against baseDir and validates the result.
func Load(path, baseDir string) (model.Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return model.Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if baseDir != "" {
		resolvePaths(&cfg.Paths, baseDir)
	}
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration rooted at baseDir.
func Default(baseDir string) model.Config {
	cfg, err := Load("", baseDir)
	if err != nil {
		panic(fmt.Sprintf("built-in defaults are invalid: %v", err))
	}
	return cfg
}

func Validate(cfg model.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault writes the default configuration to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg, err := Load("", "")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return yamlutil.AtomicWrite(path, cfg)
}

// EnsureDirs creates every directory the daemon writes into.
func EnsureDirs(p model.PathsConfig) error {
	dirs := append([]string{}, p.Watch...)
	dirs = append(dirs, p.Output, p.Archive, p.Errors, p.Temp,
		p.State,
		filepath.Join(p.State, "records"),
		filepath.Join(p.State, "logs"),
		filepath.Join(p.State, "locks"),
	)
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func resolvePaths(p *model.PathsConfig, base string) {
	abs := func(s string) string {
		if s == "" || filepath.IsAbs(s) {
			return s
		}
		return filepath.Join(base, s)
	}
	for i, w := range p.Watch {
		p.Watch[i] = abs(w)
	}
	p.Output = abs(p.Output)
	p.Archive = abs(p.Archive)
	p.Errors = abs(p.Errors)
	p.Temp = abs(p.Temp)
	p.State = abs(p.State)
}
