package workflow

import (
	"testing"
	"time"
)

func TestEdgeLabel_Classification(t *testing.T) {
	tests := []struct {
		label        EdgeLabel
		subComponent bool
		loop         bool
		bypass       bool
	}{
		{LabelNone, false, false, false},
		{LabelLLM, true, false, true},
		{LabelTool, true, false, true},
		{LabelOutputParser, true, false, true},
		{LabelLoopBody, false, true, true},
		{LabelLoopReturn, false, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.label), func(t *testing.T) {
			if got := tt.label.IsSubComponent(); got != tt.subComponent {
				t.Errorf("IsSubComponent() = %v, want %v", got, tt.subComponent)
			}
			if got := tt.label.IsLoop(); got != tt.loop {
				t.Errorf("IsLoop() = %v, want %v", got, tt.loop)
			}
			if got := tt.label.BypassesPortCheck(); got != tt.bypass {
				t.Errorf("BypassesPortCheck() = %v, want %v", got, tt.bypass)
			}
		})
	}
}

func TestEdge_Validate(t *testing.T) {
	tests := []struct {
		name    string
		edge    Edge
		wantErr bool
	}{
		{
			name: "valid direct edge",
			edge: Edge{ID: "e1", SourceNodeID: "a", TargetNodeID: "b", EdgeType: EdgeDirect},
		},
		{
			name: "valid conditional edge",
			edge: Edge{ID: "e2", SourceNodeID: "s", TargetNodeID: "b", EdgeType: EdgeConditional, ConditionValue: "x"},
		},
		{
			name: "valid llm sub-component edge",
			edge: Edge{ID: "e3", SourceNodeID: "a", TargetNodeID: "m", EdgeType: EdgeDirect, EdgeLabel: LabelLLM},
		},
		{
			name:    "unknown edge type",
			edge:    Edge{ID: "e4", SourceNodeID: "a", TargetNodeID: "b", EdgeType: "bogus"},
			wantErr: true,
		},
		{
			name:    "unknown label",
			edge:    Edge{ID: "e5", SourceNodeID: "a", TargetNodeID: "b", EdgeType: EdgeDirect, EdgeLabel: "weird"},
			wantErr: true,
		},
		{
			name:    "conditional edge with label",
			edge:    Edge{ID: "e6", SourceNodeID: "s", TargetNodeID: "b", EdgeType: EdgeConditional, EdgeLabel: LabelLoopBody},
			wantErr: true,
		},
		{
			name:    "missing endpoints",
			edge:    Edge{ID: "e7", EdgeType: EdgeDirect},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.edge.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecutionStatus_Terminal(t *testing.T) {
	terminal := []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionInterrupted}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestScheduledJob_Validate(t *testing.T) {
	valid := ScheduledJob{
		ID:              "j1",
		WorkflowSlug:    "w1",
		TriggerNodeID:   "t1",
		IntervalSeconds: 10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	bad := valid
	bad.IntervalSeconds = 0
	if err := bad.Validate(); err == nil {
		t.Error("interval_seconds=0 should be rejected")
	}

	bad = valid
	bad.WorkflowSlug = ""
	if err := bad.Validate(); err == nil {
		t.Error("missing workflow_slug should be rejected")
	}
}

func TestScheduledJob_DispatchID(t *testing.T) {
	job := ScheduledJob{ID: "abc", CurrentRepeat: 3, CurrentRetry: 1}
	want := "sched-abc-n3-rc1"
	if got := job.DispatchID(); got != want {
		t.Errorf("DispatchID() = %q, want %q", got, want)
	}

	// Same position yields the same id; the queue deduplicates on it.
	again := ScheduledJob{ID: "abc", CurrentRepeat: 3, CurrentRetry: 1}
	if again.DispatchID() != job.DispatchID() {
		t.Error("DispatchID must be deterministic")
	}
}

func TestScheduledJob_RetryDelay(t *testing.T) {
	job := ScheduledJob{IntervalSeconds: 10}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{4, 100 * time.Second}, // capped at 10x interval
		{10, 100 * time.Second},
	}
	for _, tt := range tests {
		job.CurrentRetry = tt.retry
		if got := job.RetryDelay(); got != tt.want {
			t.Errorf("RetryDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
