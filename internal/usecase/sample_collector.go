package usecase

import (
	"context"

	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	mid "TradeGuard/internal/middleware"
)

// SampleCollector pulls metric samples off the push feed and drives them
// through the pipeline into the control loop.
type SampleCollector struct {
	stream  repository.SampleStream
	loop    *ControlLoop
	metrics repository.Metrics
	pipe    *mid.SamplePipeline
}

// NewSampleCollector creates a collector.
func NewSampleCollector(stream repository.SampleStream, loop *ControlLoop, metrics repository.Metrics, pipe *mid.SamplePipeline) *SampleCollector {
	return &SampleCollector{stream: stream, loop: loop, metrics: metrics, pipe: pipe}
}

// IsConnected reports whether the feed connection is up.
func (c *SampleCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *SampleCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	sCh, errCh := c.stream.Read(ctx)
	go c.consume(ctx, sCh, errCh)
	return nil
}

func (c *SampleCollector) consume(ctx context.Context, sCh <-chan *models.MetricSample, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				c.metrics.RecordError("stream")
				_ = c.stream.Reconnect(ctx)
			}
		case s := <-sCh:
			if s == nil {
				continue
			}
			if c.pipe != nil {
				_ = c.pipe.Process(ctx, s)
			} else {
				_ = c.loop.Process(ctx, s)
			}
		}
	}
}

// Shutdown stops the pipeline and closes the feed.
func (c *SampleCollector) Shutdown(ctx context.Context) error {
	if c.pipe != nil {
		c.pipe.Stop()
	}
	return c.stream.Close()
}
