package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"browser-bench/internal/logging"
	"browser-bench/internal/study"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	runMeasurement    = "browser_bench_run"
	sampleMeasurement = "browser_bench_sample"
)

type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
	timeout  time.Duration
}

func NewInfluxRecorder(cfg study.DatabaseConfig) (*InfluxRecorder, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": msg,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb health check: status %s", health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		timeout:  10 * time.Second,
	}, nil
}

func sampleTags(session, cpu, site, engine string) map[string]string {
	return map[string]string{
		"session_id": session,
		"cpu_config": cpu,
		"site":       site,
		"engine":     engine,
	}
}

func (r *InfluxRecorder) RecordRun(rec RunRecord) error {
	tags := sampleTags(rec.SessionID, rec.CPUConfig, rec.Site, rec.Engine)
	tags["run"] = strconv.Itoa(rec.Run)

	fields := map[string]interface{}{
		"wall_seconds": rec.Wall.Seconds(),
		"state":        rec.State,
		"failed":       rec.Error != "",
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	for name, value := range rec.Counters {
		fields["counter_"+name] = value
	}

	return r.write(influxdb2.NewPoint(runMeasurement, tags, fields, rec.Started))
}

func (r *InfluxRecorder) RecordSample(rec SampleRecord) error {
	fields := map[string]interface{}{
		"runs":          rec.Runs,
		"complete":      rec.Complete,
		"skipped":       rec.Skipped,
		"wall_mean_s":   rec.WallMeanSeconds,
		"wall_stddev_s": rec.WallStdDevSeconds,
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	point := influxdb2.NewPoint(sampleMeasurement,
		sampleTags(rec.SessionID, rec.CPUConfig, rec.Site, rec.Engine),
		fields, rec.Finished)
	return r.write(point)
}

func (r *InfluxRecorder) write(points ...*write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write data points: %w", err)
	}
	return nil
}

func (r *InfluxRecorder) Close() error {
	r.client.Close()
	return nil
}
