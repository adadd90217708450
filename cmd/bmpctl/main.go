// SPDX-License-Identifier: BSD-3-Clause

// Command bmpctl runs the BMP controller as a supervised service, with an
// embedded NATS server providing in-process IPC for epoch notifications.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cirello.io/oversight/v2"
	"github.com/arunsworld/nursery"

	"github.com/spinnaker/bmpctl/internal/controller"
	"github.com/spinnaker/bmpctl/pkg/id"
	"github.com/spinnaker/bmpctl/pkg/log"
	"github.com/spinnaker/bmpctl/pkg/process"
	"github.com/spinnaker/bmpctl/pkg/telemetry"
	"github.com/spinnaker/bmpctl/service/ipc"
)

func main() {
	var (
		dsn              = flag.String("dsn", "bmpctl.db", "sqlite DSN for the controller store")
		period           = flag.Duration("period", controller.DefaultPeriod, "controller tick period")
		probeInterval    = flag.Duration("probe-interval", controller.DefaultProbeInterval, "BMP ping/dial timeout")
		powerAttempts    = flag.Int("power-attempts", controller.DefaultPowerAttempts, "max power action attempts")
		fpgaAttempts     = flag.Int("fpga-attempts", controller.DefaultFPGAAttempts, "max FPGA flag poll attempts")
		fpgaReload       = flag.Bool("fpga-reload", true, "attempt a firmware reload when the FPGA flag is stuck")
		buildAttempts    = flag.Int("build-attempts", controller.DefaultBuildAttempts, "transceiver cache construction retries")
		dummyBMP         = flag.Bool("dummy-bmp", false, "use an in-memory dummy BMP transceiver instead of real UDP")
		systemReportUser = flag.String("system-report-user", controller.DefaultSystemReportUser, "identity attributed to auto-filed board issue reports")
		timeout          = flag.Duration("timeout", 15*time.Second, "supervision tree child start/stop timeout")
	)
	flag.Parse()

	telemetry.DefaultSetup()
	l := log.GetGlobalLogger()

	instanceID, err := id.GetOrCreatePersistentID("bmpctl", "/var/lib/bmpctl")
	if err != nil {
		l.Warn("failed to get/create persistent instance ID, using ephemeral ID", "error", err)
		instanceID = id.NewID()
	}
	l = l.With("instance_id", instanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.New(ctx,
		controller.WithDSN(*dsn),
		controller.WithPeriod(*period),
		controller.WithProbeInterval(*probeInterval),
		controller.WithPowerAttempts(*powerAttempts),
		controller.WithFPGAAttempts(*fpgaAttempts),
		controller.WithFPGAReload(*fpgaReload),
		controller.WithBuildAttempts(*buildAttempts),
		controller.WithDummyBMP(*dummyBMP),
		controller.WithSystemReportUser(*systemReportUser),
		controller.WithLogger(l))
	if err != nil {
		l.Error("failed to build controller", "error", err)
		os.Exit(1)
	}

	ipcSvc := ipc.New(ipc.WithServiceName("bmpctl-ipc"))

	tree := oversight.New(
		oversight.NeverHalt(),
		oversight.DefaultRestartStrategy(),
	)

	if err := tree.Add(process.New(ipcSvc, nil), oversight.Transient(), oversight.Timeout(*timeout), ipcSvc.Name()); err != nil {
		l.Error("failed to add IPC service to supervision tree", "error", err)
		os.Exit(1)
	}

	supervise := func(ctx context.Context, c chan error) {
		c <- tree.Start(ctx)
	}

	spawnController := func(ctx context.Context, c chan error) {
		conn := ipcSvc.GetConnProvider()
		if err := tree.Add(process.New(ctrl, conn), oversight.Transient(), oversight.Timeout(*timeout), ctrl.Name()); err != nil {
			c <- fmt.Errorf("failed to add controller to supervision tree: %w", err)
		}
	}

	l.InfoContext(ctx, "starting bmpctl", "dsn", *dsn, "period", *period, "dummy_bmp", *dummyBMP)
	if err := nursery.RunConcurrentlyWithContext(ctx, supervise, spawnController); err != nil {
		l.Error("bmpctl exited with error", "error", err)
		os.Exit(1)
	}
}
