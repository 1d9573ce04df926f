// Command vcampipe runs the video pipeline against a simulated camera
// and prints performance snapshots, which is useful for profiling the
// pipeline and the adaptive controller without camera hardware.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcampipe"
	"github.com/opd-ai/vcampipe/capture"
	"github.com/opd-ai/vcampipe/config"
	"github.com/opd-ai/vcampipe/monitor"
	"github.com/opd-ai/vcampipe/pipeline"
	"github.com/opd-ai/vcampipe/sink"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	deviceID := flag.String("device", "sim0", "capture device id")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Loading settings failed")
	}
	settings.ApplyLogLevel()
	if settings.DeviceID == "" {
		settings.DeviceID = *deviceID
	}

	cfg, err := settings.PipelineConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid pipeline configuration")
	}

	options := vcampipe.NewOptions()
	options.Output = &sink.MemoryOutput{Retain: 1}

	vp, err := vcampipe.New(cfg, options)
	if err != nil {
		logrus.WithError(err).Fatal("Creating pipeline failed")
	}

	vp.RegisterDevice(capture.NewSimDevice(*deviceID, "Simulated Camera",
		capture.Capability{Width: cfg.Width, Height: cfg.Height, MaxFPS: cfg.TargetFPS}))

	vp.OnEvent(func(e pipeline.Event) {
		logrus.WithFields(logrus.Fields{
			"event":  e.Type.String(),
			"detail": e.Detail,
		}).Info("Pipeline event")
	})
	vp.OnSnapshot(func(snap monitor.Snapshot) {
		logrus.WithFields(logrus.Fields{
			"achieved_fps": snap.AchievedFPS,
			"e2e_p95":      snap.EndToEnd.P95,
			"dropped":      snap.DroppedFrames,
			"cpu_percent":  snap.CPUPercent,
			"quality":      vp.QualityLevel().String(),
		}).Info("Performance snapshot")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := vp.Start(ctx, *deviceID); err != nil {
		logrus.WithError(err).Fatal("Starting pipeline failed")
	}

	<-ctx.Done()

	if err := vp.Stop(); err != nil {
		logrus.WithError(err).Warn("Stop did not complete cleanly")
	}
}
