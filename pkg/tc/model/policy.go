package model

import "time"

// LockPolicy tells the implicit layer how to lock one entity type.
type LockPolicy struct {
	LockType     LockType        `yaml:"lock_type"`
	Granularity  LockGranularity `yaml:"granularity"`
	AllowUpgrade bool            `yaml:"allow_upgrade"`
	MaxHoldTime  time.Duration   `yaml:"max_hold_time"`
	MaxRetries   int             `yaml:"max_retries"`
}

// LockReport is an observability snapshot, never an input to locking
// decisions.
type LockReport struct {
	GeneratedAt    time.Time
	TotalLocks     int
	ByGranularity  map[string]int
	ByType         map[string]int
	Waiting        int
	ActiveSessions int
	WaitCount      int64
	WaitMean       time.Duration
	WaitP95        time.Duration
	HoldMean       time.Duration
}
