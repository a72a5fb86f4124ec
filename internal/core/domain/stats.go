package domain

import "time"

// ThresholdCount counts responded messages whose latency exceeded a threshold.
type ThresholdCount struct {
	Threshold time.Duration `json:"threshold"`
	Count     int           `json:"count"`
}

// EmployeeResponseStats summarizes one employee's messages arriving in a window.
//
// InProgress is max(0, Total-Responded-Missed). Deferred messages are counted
// as in progress and additionally reported in DeferredCount.
type EmployeeResponseStats struct {
	EmployeeID     string           `json:"employee_id"`
	Window         Window           `json:"window"`
	Total          int              `json:"total"`
	Responded      int              `json:"responded"`
	Missed         int              `json:"missed"`
	InProgress     int              `json:"in_progress"`
	DeferredCount  int              `json:"deferred"`
	UniqueClients  int              `json:"unique_clients"`
	ResponseRate   float64          `json:"response_rate"`
	AverageLatency time.Duration    `json:"average_latency"`
	HasLatency     bool             `json:"has_latency"`
	ExceededCounts []ThresholdCount `json:"exceeded,omitempty"`
}

// FleetSummary aggregates every employee's messages in a window.
type FleetSummary struct {
	Window         Window        `json:"window"`
	Total          int           `json:"total"`
	Responded      int           `json:"responded"`
	Missed         int           `json:"missed"`
	InProgress     int           `json:"in_progress"`
	DeferredCount  int           `json:"deferred"`
	UniqueClients  int           `json:"unique_clients"`
	Employees      int           `json:"employees"`
	AverageLatency time.Duration `json:"average_latency"`
	HasLatency     bool          `json:"has_latency"`
}
