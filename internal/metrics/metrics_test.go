package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRestartsTotal_Labels(t *testing.T) {
	before := testutil.ToFloat64(RestartsTotal.WithLabelValues("disconnected", "success"))
	RestartsTotal.WithLabelValues("disconnected", "success").Inc()
	after := testutil.ToFloat64(RestartsTotal.WithLabelValues("disconnected", "success"))

	assert.Equal(t, before+1, after)
}

func TestSessionState_Gauge(t *testing.T) {
	SessionState.WithLabelValues("ready").Set(1)
	SessionState.WithLabelValues("failed").Set(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(SessionState.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SessionState.WithLabelValues("failed")))
}
