// Package metrics wraps the teacher's NewrelicEnabled/NewrelicName/
// NewrelicKey config fields in a gorelic agent (SPEC_FULL.md §B). The
// agent reports gorelic's own metrics only; the Source counters are not
// published as New Relic custom metrics.
package metrics

import (
	"github.com/sirupsen/logrus"
	"github.com/yvasiyarov/gorelic"
)

// Source is the set of proxy counters a Reporter is given. Nothing in
// this package reads it; Reporter only holds the reference.
type Source interface {
	SessionCount() int
	AvailableUpstreamCount() int
	SharesSubmittedTotal() int64
}

// Reporter holds a gorelic.Agent and the Source it was built with.
type Reporter struct {
	agent *gorelic.Agent
	src   Source
	log   *logrus.Entry
}

// New builds a Reporter; it is a no-op if enabled is false, matching the
// teacher's NewrelicEnabled gate.
func New(enabled bool, name, key string, verbose bool, src Source, log *logrus.Entry) *Reporter {
	if !enabled {
		return nil
	}
	agent := gorelic.NewAgent()
	agent.NewrelicLicense = key
	agent.NewrelicName = name
	agent.Verbose = verbose
	return &Reporter{agent: agent, src: src, log: log}
}

// Start launches gorelic's reporting goroutine via Agent.Run, the one
// gorelic entry point this package uses. Source is not polled and no
// custom metrics are registered.
func (r *Reporter) Start() error {
	if r == nil {
		return nil
	}
	if err := r.agent.Run(); err != nil {
		r.log.WithError(err).Warn("gorelic agent failed to start")
		return err
	}
	return nil
}
