// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordChange(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordChange("LocationEndChange", "server", 5*time.Millisecond, nil)
	m.RecordChange("LocationEndChange", "server", time.Millisecond, errors.New("boom"))
	m.RecordChange("LocationEndChange", "server", time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChangesTotal.WithLabelValues("LocationEndChange", "server", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangesTotal.WithLabelValues("LocationEndChange", "server", "error")))
}

func TestSubscribersGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscribers))
}

func TestRecordReconnect(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordReconnect(3)
	m.RecordReconnect(0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconnectsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReplayedChangesTotal))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordChange("k", "b", time.Second, nil)
		m.RecordValidationFailure("frontend_pre", "ontology")
		m.RecordRevert(nil)
		m.RecordBroadcast(2)
		m.SubscriberAdded()
		m.SubscriberRemoved()
		m.RecordReconnect(1)
	})
}
