package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeFactory struct {
	netns, overlay int
}

func (f fakeFactory) NetnsAvailable() int   { return f.netns }
func (f fakeFactory) OverlayAvailable() int { return f.overlay }

func TestRecordJobStarted_IncrementsCounterAndGauge(t *testing.T) {
	m := New()
	m.RecordJobStarted()
	m.RecordJobStarted()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.JobsStarted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.JobsActive))
}

func TestRecordJobFinished_DecrementsActiveAndLabelsOutcome(t *testing.T) {
	m := New()
	m.RecordJobStarted()
	m.RecordJobFinished("completed")

	assert.Equal(t, float64(0), testutil.ToFloat64(m.JobsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsCompleted.WithLabelValues("completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.JobsCompleted.WithLabelValues("panic")))
}

func TestSetPoolGauges_ReflectsFactoryState(t *testing.T) {
	m := New()
	m.SetPoolGauges(fakeFactory{netns: 3, overlay: 5})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.NetnsAvailable))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.OverlayAvailable))
}
