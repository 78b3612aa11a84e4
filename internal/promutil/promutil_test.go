package promutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRegister_ReusesExistingCollector(t *testing.T) {
	r := prometheus.NewRegistry()

	newCounter := func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "things_total", Help: "Things."},
			[]string{"kind"},
		)
	}

	first := Register(r, newCounter())
	second := Register(r, newCounter())

	assert.Same(t, first, second)
}

func TestRegister_PanicsOnConflict(t *testing.T) {
	r := prometheus.NewRegistry()

	Register(r, prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total", Help: "X."}))

	assert.Panics(t, func() {
		Register(r, prometheus.NewGauge(prometheus.GaugeOpts{Name: "x_total", Help: "Other."}))
	})
}

func TestBoolLabel(t *testing.T) {
	assert.Equal(t, "true", BoolLabel(true))
	assert.Equal(t, "false", BoolLabel(false))
}
