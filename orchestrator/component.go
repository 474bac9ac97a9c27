package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/pipelit/pipelit/dispatch"
)

// workerSchema defines the configuration schema.
var workerSchema = component.GenerateConfigSchema(reflect.TypeOf(ComponentConfig{}))

// ComponentConfig holds configuration for the execution worker component.
type ComponentConfig struct {
	// Concurrency is the number of parallel queue consumers.
	Concurrency int `json:"concurrency"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultComponentConfig returns sensible default configuration.
func DefaultComponentConfig() ComponentConfig {
	return ComponentConfig{
		Concurrency: 4,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "execution-jobs",
					Type:        "jetstream",
					Subject:     "pipelit.jobs.executions",
					StreamName:  "PIPELIT-JOBS-EXECUTIONS",
					Description: "Consume run/resume/cancel jobs",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "execution-events",
					Type:        "core",
					Subject:     "pipelit.events.>",
					Description: "Publish execution and node status events",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *ComponentConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}

// Component runs the orchestrator as a platform component: a pool of queue
// consumers delivering execution jobs to the runner.
type Component struct {
	name   string
	config ComponentConfig
	runner *Runner
	queue  dispatch.Queue
	logger *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	workers   sync.WaitGroup

	// Metrics
	jobsProcessed atomic.Int64
	jobsFailed    atomic.Int64
	lastJobMu     sync.RWMutex
	lastJob       time.Time
}

// NewComponent creates the execution worker component around an existing
// runner and queue.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, runner *Runner, queue dispatch.Queue) (*Component, error) {
	config := DefaultComponentConfig()
	if len(rawConfig) > 0 {
		var overrides ComponentConfig
		if err := json.Unmarshal(rawConfig, &overrides); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
		if overrides.Concurrency != 0 {
			config.Concurrency = overrides.Concurrency
		}
		if overrides.Ports != nil {
			config.Ports = overrides.Ports
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}

	return &Component{
		name:   "execution-worker",
		config: config,
		runner: runner,
		queue:  queue,
		logger: deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized execution-worker", "concurrency", c.config.Concurrency)
	return nil
}

// Start begins consuming execution jobs.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	for i := 0; i < c.config.Concurrency; i++ {
		c.workers.Add(1)
		go func(worker int) {
			defer c.workers.Done()
			if err := c.queue.Consume(subCtx, dispatch.QueueExecutions, c.handle); err != nil && subCtx.Err() == nil {
				c.logger.Error("Execution consumer exited", "worker", worker, "error", err)
			}
		}(i)
	}

	c.logger.Info("execution-worker started", "concurrency", c.config.Concurrency)
	return nil
}

// handle delivers one job to the runner and keeps the flow metrics current.
func (c *Component) handle(ctx context.Context, jobID string, payload dispatch.Payload) error {
	c.updateLastJob()
	err := c.runner.HandleJob(ctx, jobID, payload)
	if err != nil {
		c.jobsFailed.Add(1)
		return err
	}
	c.jobsProcessed.Add(1)
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Timed out waiting for execution consumers to drain")
	}

	c.logger.Info("execution-worker stopped",
		"jobs_processed", c.jobsProcessed.Load(),
		"jobs_failed", c.jobsFailed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "execution-worker",
		Type:        "processor",
		Description: "Executes workflow plans from the execution job queue",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return workerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.jobsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastJob(),
	}
}

func (c *Component) updateLastJob() {
	c.lastJobMu.Lock()
	c.lastJob = time.Now()
	c.lastJobMu.Unlock()
}

func (c *Component) getLastJob() time.Time {
	c.lastJobMu.RLock()
	defer c.lastJobMu.RUnlock()
	return c.lastJob
}
