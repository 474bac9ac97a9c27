package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
)

// schedulerSchema defines the configuration schema.
var schedulerSchema = component.GenerateConfigSchema(reflect.TypeOf(ComponentConfig{}))

// ComponentConfig holds configuration for the scheduler component.
type ComponentConfig struct {
	// RecoverOnStart re-enqueues active schedules when the component starts.
	RecoverOnStart bool `json:"recover_on_start"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultComponentConfig returns sensible default configuration.
func DefaultComponentConfig() ComponentConfig {
	return ComponentConfig{
		RecoverOnStart: true,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "schedule-jobs",
					Type:        "jetstream",
					Subject:     "pipelit.jobs.scheduler",
					StreamName:  "PIPELIT-JOBS-SCHEDULER",
					Description: "Consume schedule fire jobs",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "execution-jobs",
					Type:        "jetstream",
					Subject:     "pipelit.jobs.executions",
					StreamName:  "PIPELIT-JOBS-EXECUTIONS",
					Description: "Enqueue triggered executions",
					Required:    true,
				},
			},
		},
	}
}

// Component runs the scheduler as a platform component: recovery on start,
// then a single consumer over the scheduler queue.
type Component struct {
	name      string
	config    ComponentConfig
	scheduler *Scheduler
	logger    *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	consumer  sync.WaitGroup
}

// NewComponent creates the scheduler component around an existing scheduler.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, sched *Scheduler) (*Component, error) {
	config := DefaultComponentConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
		if config.Ports == nil {
			config.Ports = DefaultComponentConfig().Ports
		}
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	return &Component{
		name:      "scheduler",
		config:    config,
		scheduler: sched,
		logger:    deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized scheduler component", "recover_on_start", c.config.RecoverOnStart)
	return nil
}

// Start recovers pending schedules and begins consuming fire jobs.
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

	if c.config.RecoverOnStart {
		if err := c.scheduler.Recover(subCtx); err != nil {
			c.logger.Error("Schedule recovery failed", "error", err)
		}
	}

	c.consumer.Add(1)
	go func() {
		defer c.consumer.Done()
		if err := c.scheduler.Consume(subCtx); err != nil && subCtx.Err() == nil {
			c.logger.Error("Scheduler consumer exited", "error", err)
		}
	}()

	c.logger.Info("scheduler started")
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
		c.consumer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Timed out waiting for scheduler consumer to drain")
	}

	c.logger.Info("scheduler stopped")
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "scheduler",
		Type:        "processor",
		Description: "Fires recurring workflow executions with retry and backoff",
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
	return schedulerSchema
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
		ErrorCount: 0,
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}
