package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
)

// Proc is the minimal downstream interface the pipeline needs.
type Proc interface {
	Process(ctx context.Context, s *models.MetricSample) error
}

// SamplePipeline sits between the intake surfaces and the control loop.
// It validates, throttles chatty sources, and buffers when the downstream
// errors so a transient failure does not lose samples.
type SamplePipeline struct {
	proc     Proc
	metrics  repository.Metrics
	maxRPS   int
	bufSize  int
	bufCh    chan *models.MetricSample
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
	lastSeen map[string]time.Time // per-source last accepted time
}

type PipelineOption func(*SamplePipeline)

// WithMaxRPS caps accepted samples per second per source.
func WithMaxRPS(n int) PipelineOption {
	return func(p *SamplePipeline) {
		if n > 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets the retry buffer size.
func WithBufferSize(n int) PipelineOption {
	return func(p *SamplePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// NewSamplePipeline creates a pipeline.
func NewSamplePipeline(proc Proc, metrics repository.Metrics, opts ...PipelineOption) *SamplePipeline {
	p := &SamplePipeline{
		proc:     proc,
		metrics:  metrics,
		maxRPS:   50,
		bufSize:  1000,
		bufCh:    make(chan *models.MetricSample, 1000),
		stopCh:   make(chan struct{}),
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufSize != cap(p.bufCh) {
		p.bufCh = make(chan *models.MetricSample, p.bufSize)
	}
	return p
}

// Start launches background flushing of buffered samples.
func (p *SamplePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-p.stopCh:
				return
			case s := <-p.bufCh:
				if s == nil {
					continue
				}
				if err := p.proc.Process(ctx, s); err != nil {
					if backoff < 2*time.Second {
						backoff *= 2
					}
					p.recErr("pipeline_flush")
					time.Sleep(backoff)
					select {
					case p.bufCh <- s:
					default:
						p.recErr("pipeline_buffer_drop")
					}
				} else {
					backoff = 50 * time.Millisecond
				}
			}
		}
	}()
}

// Stop stops the background flushing.
func (p *SamplePipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
}

// Process validates, throttles, and forwards a sample, buffering on downstream
// errors.
func (p *SamplePipeline) Process(ctx context.Context, s *models.MetricSample) error {
	start := time.Now()
	if err := validateSample(s); err != nil {
		p.recErr("pipeline_validate")
		return err
	}
	if !p.allow(s.SourceID, start) {
		p.recErr("pipeline_throttle")
		return nil
	}

	if err := p.proc.Process(ctx, s); err != nil {
		p.recErr("pipeline_process")
		select {
		case p.bufCh <- s:
		default:
			p.recErr("pipeline_buffer_full")
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordLatency("pipeline_process", time.Since(start))
	}
	return nil
}

func validateSample(s *models.MetricSample) error {
	if s == nil {
		return fmt.Errorf("sample nil")
	}
	if s.SourceID == "" {
		return fmt.Errorf("source id empty")
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp missing")
	}
	return nil
}

func (p *SamplePipeline) allow(sourceID string, now time.Time) bool {
	if p.maxRPS <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastSeen[sourceID]
	if last.IsZero() {
		p.lastSeen[sourceID] = now
		return true
	}
	if now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return false
	}
	p.lastSeen[sourceID] = now
	return true
}

func (p *SamplePipeline) recErr(name string) {
	if p.metrics != nil {
		p.metrics.RecordError(name)
	}
}
