package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("sm_enclaves_created_total", "enclaves created")
	c.Inc()
	c.Add(2)
	assert.Equal(t, uint64(3), c.Value())

	g := r.Gauge("sm_enclaves_live", "live slots")
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
	g.Set(5)
	assert.Equal(t, int64(5), g.Value())
}

func TestRegistryDeduplicates(t *testing.T) {
	r := NewRegistry()
	c1 := r.Counter("x_total", "")
	c2 := r.Counter("x_total", "")
	assert.Same(t, c1, c2)
}

func TestWriteText(t *testing.T) {
	r := NewRegistry()
	r.Counter("b_total", "second").Inc()
	r.Gauge("a_live", "first").Set(4)

	var sb strings.Builder
	require.NoError(t, r.WriteText(&sb))
	out := sb.String()

	assert.Contains(t, out, "# TYPE a_live gauge\na_live 4\n")
	assert.Contains(t, out, "# TYPE b_total counter\nb_total 1\n")
	assert.Less(t, strings.Index(out, "a_live"), strings.Index(out, "b_total"),
		"output is sorted by name")
}
