package saga

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// LogData is the compensation payload captured by a completed step.
type LogData map[string]any

// ActivityLog is the history entry of a completed, compensable step. Address
// routes the future compensation back to the host that executed the step.
type ActivityLog struct {
	ExecutionID  ulid.ULID `json:"executionId"`
	ActivityName string    `json:"activityName"`
	Address      string    `json:"address"`
	Log          LogData   `json:"log"`
	Timestamp    time.Time `json:"timestamp"`
}

type Direction string

const (
	DirectionExecute    Direction = "execute"
	DirectionCompensate Direction = "compensate"
)

// ActivityException records a faulted execution or a failed compensation.
type ActivityException struct {
	ExecutionID  ulid.ULID `json:"executionId"`
	ActivityName string    `json:"activityName"`
	Address      string    `json:"address"`
	Direction    Direction `json:"direction"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
