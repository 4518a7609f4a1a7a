package lockstep

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/lockstep/internal/lockstep"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type engineMetrics struct {
	turns    metric.Int64Counter
	stalls   metric.Int64Counter
	commands metric.Int64Counter
}

// newEngineMetrics uses the global OTel meter (no-op if not configured).
func newEngineMetrics() (*engineMetrics, error) {
	m := meter()
	em := &engineMetrics{}

	var err error
	em.turns, err = m.Int64Counter(
		"lockstep.turns.executed",
		metric.WithDescription("Total turns executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating turns counter: %w", err)
	}

	em.stalls, err = m.Int64Counter(
		"lockstep.stalls",
		metric.WithDescription("Total times the engine entered the delay state"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stalls counter: %w", err)
	}

	em.commands, err = m.Int64Counter(
		"lockstep.commands.executed",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands counter: %w", err)
	}

	return em, nil
}
