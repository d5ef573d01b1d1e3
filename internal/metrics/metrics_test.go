package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("createBackup", "success"))
	ObserveOperation("createBackup", "success", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(operationsTotal.WithLabelValues("createBackup", "success")))
}

func TestObserveRetention(t *testing.T) {
	ObserveRetention("allbackup", 2, 0)
	ObserveRetention("allbackup", 0, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(retentionDeleted.WithLabelValues("allbackup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(retentionFailed.WithLabelValues("allbackup")))
}
