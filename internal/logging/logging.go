// Package logging configures the process-wide logrus logger, replacing
// the teacher's bare log.SetOutput(...) call at startup with the
// structured equivalent (SPEC_FULL.md §A.1).
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the root logger. dir is either "stderr" (the CLI's
// default) or a directory to roll a dated log file into, matching the
// teacher's `-l <logdir|stderr>` flag semantics.
func New(dir string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if dir == "" || dir == "stderr" {
		log.SetOutput(os.Stderr)
		return log, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: creating log dir: %w", err)
	}
	name := fmt.Sprintf("agent-%s.log", time.Now().UTC().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: opening log file: %w", err)
	}
	log.SetOutput(f)
	return log, nil
}

// Component returns a *logrus.Entry pre-tagged with a component name,
// the way SPEC_FULL.md §A.1 asks every core component to be attributable
// rather than logging through a bare global logger.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
