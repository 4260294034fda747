package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCycle(t *testing.T) {
	m := New()
	m.RecordCycle("done", 2*time.Second)
	m.RecordCycle("blocked", time.Second)
	m.RecordCycle("done", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("blocked")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CycleDuration))
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordAttempt()
	m.RecordAttempt()
	m.RecordFailure("test")
	m.RecordRollback(true)
	m.RecordRollback(false)
	m.RecordSubtasks(3)
	m.SetDirty(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AttemptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailuresTotal.WithLabelValues("test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RollbacksTotal.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SubtasksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TreeDirty))

	m.SetDirty(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TreeDirty))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordAttempt()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.AttemptsTotal))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordCycle("done", time.Second)

	path := filepath.Join(t.TempDir(), "relay.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `relay_cycles_total{status="done"} 1`)
	assert.Contains(t, string(data), "relay_tree_dirty 0")
}
