// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"context"

	"github.com/spinnaker/bmpctl/pkg/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// registerGauges wires the two async gauges named in §6's management
// surface to Stats, matching the teacher's powermgr_* instrumentation
// style in service/powermgr.
func (c *Controller) registerGauges() error {
	meter := telemetry.GetMeter(c.cfg.serviceName)

	pending, err := meter.Int64ObservableGauge("bmp.pending_requests",
		metric.WithDescription("number of jobs/blacklist ops with pending, not-yet-taken changes"))
	if err != nil {
		return err
	}

	active, err := meter.Int64ObservableGauge("bmp.active_requests",
		metric.WithDescription("number of requests currently queued or in flight across all worker FIFOs"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		p, a, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(pending, int64(p))
		o.ObserveInt64(active, int64(a))
		return nil
	}, pending, active)

	return err
}
