package types

import "time"

const (
	// HardLimitCallRecords is the size at which the call log is trimmed.
	HardLimitCallRecords = 10_000
	// TrimmedCallRecords is what survives a trim, most recent last.
	TrimmedCallRecords = HardLimitCallRecords / 2
)

// CallRecord is the outcome of one outbound call.
type CallRecord struct {
	Service    string        `json:"service"`
	Endpoint   string        `json:"endpoint"`
	Method     string        `json:"method"`
	Duration   time.Duration `json:"duration"`
	StatusCode int           `json:"status_code"`
	Success    bool          `json:"success"`
	Timestamp  time.Time     `json:"timestamp"`
	UserID     string        `json:"user_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type HealthState string

const (
	Healthy  HealthState = "healthy"
	Degraded HealthState = "degraded"
	Down     HealthState = "down"
)

// ServiceHealth is derived from the trailing window of CallRecords of one service.
type ServiceHealth struct {
	Service             string        `json:"service"`
	Status              HealthState   `json:"status"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ErrorRatePercent    float64       `json:"error_rate_percent"`
	LastChecked         time.Time     `json:"last_checked"`
	Uptime              time.Duration `json:"uptime"`
}

// AppendRecord appends a record to the log. Once the log grows past hardCap it keeps only the newest keep entries.
func AppendRecord(rs []CallRecord, r CallRecord, hardCap, keep int) []CallRecord {
	rs = append(rs, r)
	if len(rs) > hardCap {
		trimmed := make([]CallRecord, keep)
		copy(trimmed, rs[len(rs)-keep:])
		rs = trimmed
	}
	return rs
}
