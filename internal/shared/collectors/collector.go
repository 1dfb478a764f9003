// Package collectors contains the protocol-specific collection plugins. The
// coordinator manages their lifecycle; the agent executes them.
package collectors

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

var (
	ErrNotInitialized    = errors.New("collector not initialized")
	ErrUnsupportedTarget = errors.New("unsupported target")
	ErrNoCollector       = errors.New("no collector for protocol")
)

// DeviceSpec is what a collector needs to know about one device+metric pair.
type DeviceSpec struct {
	DeviceID   string
	MetricID   string
	Protocol   string
	Target     string
	MetricType string
	Params     map[string]any
}

// Measurement is the outcome of a successful collection.
type Measurement struct {
	RawValue   string
	Value      *float64
	ResultType string
	Data       map[string]any
	Duration   time.Duration
}

// Collector is the capability every protocol plugin implements.
type Collector interface {
	Type() string
	Version() string
	SupportedProtocols() []string
	SupportedMetricTypes() []string
	Init(ctx context.Context, cfg map[string]any) error
	HealthCheck(ctx context.Context) error
	Collect(ctx context.Context, spec DeviceSpec) (*Measurement, error)
	Close() error
}

// Lifecycle is implemented by collectors that acquire resources on start.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Builtin returns one fresh instance of every bundled collector.
func Builtin() []Collector {
	return []Collector{
		NewSNMPCollector(),
		NewHTTPCollector(),
		NewTCPCollector(),
		NewDNSCollector(),
	}
}

// base carries the metadata and configuration shared by all collectors.
type base struct {
	typ         string
	version     string
	protocols   []string
	metricTypes []string

	mu          sync.RWMutex
	cfg         map[string]any
	initialized bool
}

func (b *base) Type() string                   { return b.typ }
func (b *base) Version() string                { return b.version }
func (b *base) SupportedProtocols() []string   { return slices.Clone(b.protocols) }
func (b *base) SupportedMetricTypes() []string { return slices.Clone(b.metricTypes) }

func (b *base) Init(_ context.Context, cfg map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = maps.Clone(cfg)
	b.initialized = true
	return nil
}

func (b *base) HealthCheck(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return fmt.Errorf("%s: %w", b.typ, ErrNotInitialized)
	}
	return nil
}

func (b *base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	return nil
}

// options resolves a task parameter, falling back to the plugin config.
func (b *base) options(params map[string]any) options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return options{params: params, defaults: b.cfg}
}

// Set indexes initialized collectors by protocol.
type Set struct {
	byProtocol map[string]Collector
}

func NewSet(cs ...Collector) *Set {
	s := &Set{byProtocol: make(map[string]Collector)}
	for _, c := range cs {
		for _, p := range c.SupportedProtocols() {
			if _, ok := s.byProtocol[p]; !ok {
				s.byProtocol[p] = c
			}
		}
	}
	return s
}

func (s *Set) ForProtocol(protocol string) (Collector, error) {
	c, ok := s.byProtocol[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCollector, protocol)
	}
	return c, nil
}

// Protocols returns the sorted protocol keys the set can serve.
func (s *Set) Protocols() []string {
	return slices.Sorted(maps.Keys(s.byProtocol))
}

func floatPtr(v float64) *float64 { return &v }
