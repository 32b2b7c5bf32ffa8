package telemetry

import (
	"testing"
	"time"

	"github.com/taskpilot/taskpilot/config"
)

func TestCostTracking(t *testing.T) {
	tele := NewTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})

	tele.RecordStage(StageEvent{Role: "writer", ModelUsed: "gpt-4o-mini", Cost: 0.002, TokensIn: 100, TokensOut: 50, Success: true, Duration: time.Second})
	tele.RecordStage(StageEvent{Role: "coder", ModelUsed: "gpt-4o-mini", Cost: 0.003, TokensIn: 200, TokensOut: 80, Success: true, Duration: time.Second})
	tele.RecordTask(TaskEvent{TaskID: "t1", Success: true, Cost: 0.005, TokensIn: 300, TokensOut: 130, Duration: 2 * time.Second})

	costs := tele.GetCostSummary()
	if costs.TotalCost != 0.005 {
		t.Errorf("TotalCost = %v, want 0.005", costs.TotalCost)
	}
	if costs.TotalTokens != 430 {
		t.Errorf("TotalTokens = %d, want 430", costs.TotalTokens)
	}
	if costs.ModelTokens["gpt-4o-mini"] != 430 {
		t.Errorf("ModelTokens[gpt-4o-mini] = %d, want 430", costs.ModelTokens["gpt-4o-mini"])
	}
}

func TestDisabledTelemetryRecordsNothing(t *testing.T) {
	tele := NewTelemetry(config.TelemetryConfig{Enabled: false, CostTracking: true})

	tele.RecordTask(TaskEvent{TaskID: "t1", Success: true, Cost: 1.0, TokensIn: 100, TokensOut: 100})
	tele.RecordStage(StageEvent{Role: "writer", ModelUsed: "gpt-4o-mini", Cost: 1.0})

	costs := tele.GetCostSummary()
	if costs.TotalCost != 0 || costs.TotalTokens != 0 {
		t.Errorf("disabled telemetry accumulated cost: %+v", costs)
	}
}

func TestCostSummaryIsACopy(t *testing.T) {
	tele := NewTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})
	tele.RecordStage(StageEvent{Role: "analyst", ModelUsed: "gpt-4o-mini", Cost: 0.001, TokensIn: 10, TokensOut: 10})

	costs := tele.GetCostSummary()
	costs.ModelCosts["gpt-4o-mini"] = 999

	again := tele.GetCostSummary()
	if again.ModelCosts["gpt-4o-mini"] == 999 {
		t.Error("mutating a summary leaked into the tracker")
	}
}
