package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"boxforge/internal/failure"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoneCountsByResult(t *testing.T) {
	r := NewRecorder("")

	r.Done("build", nil)
	r.Done("build", failure.New(failure.ProvisioningFailure, "provision", errors.New("boom")))
	r.Done("build", errors.New("plain"))
	r.Done("build", nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.operations.WithLabelValues("build", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.operations.WithLabelValues("build", "provisioning_failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.operations.WithLabelValues("build", "error")))
}

func TestTimeSetsStepDuration(t *testing.T) {
	r := NewRecorder("")

	stop := r.Time("build", "provision")
	stop()

	assert.Equal(t, 1, testutil.CollectAndCount(r.stepDuration))
	assert.GreaterOrEqual(t, testutil.ToFloat64(r.stepDuration.WithLabelValues("build", "provision")), float64(0))
}

func TestFlushWritesTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxforge.prom")
	r := NewRecorder(path)
	r.Done("cluster", nil)

	require.NoError(t, r.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `boxforge_operations_total{op="cluster",result="success"} 1`)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Time("build", "x")()
	r.Done("build", nil)
	assert.NoError(t, r.Flush())
}
