package sweeper

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func prometheusRegistryForTest(t *testing.T) prometheus.Registerer {
	t.Helper()
	return prometheus.NewRegistry()
}
