package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(recordsCounter.WithLabelValues(OutcomeIncomplete))
	m.RecordRecord(OutcomeIncomplete)
	m.RecordRecord(OutcomeIncomplete)
	assert.Equal(t, before+2, testutil.ToFloat64(recordsCounter.WithLabelValues(OutcomeIncomplete)))

	before = testutil.ToFloat64(operationsCounter.WithLabelValues("load", "ABORTED"))
	m.RecordOperation("load", "ABORTED")
	assert.Equal(t, before+1, testutil.ToFloat64(operationsCounter.WithLabelValues("load", "ABORTED")))

	spilled := testutil.ToFloat64(spilledUploadsCounter)
	m.RecordUpload(10, true)
	m.RecordUpload(10, false)
	assert.Equal(t, spilled+1, testutil.ToFloat64(spilledUploadsCounter))
}

func TestMetrics_ActiveGauge(t *testing.T) {
	m := Get()
	base := testutil.ToFloat64(activeOperationsGauge)

	done := m.OperationStarted()
	assert.Equal(t, base+1, testutil.ToFloat64(activeOperationsGauge))
	done()
	assert.Equal(t, base, testutil.ToFloat64(activeOperationsGauge))
}

func TestMetrics_ObserveIngest(t *testing.T) {
	m := Get()
	m.ObserveIngest("A", 3*time.Millisecond, nil)
	m.ObserveIngest("A", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2, testutil.CollectAndCount(ingestDurationHist))
}
