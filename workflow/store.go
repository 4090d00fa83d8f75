package workflow

import (
	"time"

	"gorm.io/gorm"
)

const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSuspended = "suspended"
	RunCompleted = "completed"
	RunFailed    = "failed"

	stepCompleted = "completed"
	stepWaiting   = "waiting"
	stepSleeping  = "sleeping"
	stepTimedOut  = "timed_out"
)

// EventRecord is one entry of the append-only orchestration log. The
// auto-increment id is the publish order.
type EventRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic     string    `gorm:"type:varchar(96);index:idx_event_topic_id,priority:1" json:"topic"`
	Payload   []byte    `gorm:"type:blob" json:"payload"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (EventRecord) TableName() string { return "orchestration_event" }

// RunRecord is one invocation of a function for one triggering event.
type RunRecord struct {
	ID       string `gorm:"primaryKey;type:varchar(191)" json:"id"`
	Function string `gorm:"column:function_name;type:varchar(64);index" json:"function"`
	EventID  uint64 `gorm:"index" json:"event_id"`
	Status   string `gorm:"type:varchar(16);index" json:"status"`
	Attempt  int    `json:"attempt"`
	Error    string `gorm:"type:text" json:"error"`
	// LeaseUntil is set while one worker executes the run; other deliveries
	// back off until it passes.
	LeaseUntil *time.Time `json:"lease_until"`
	// WakeAt is when a suspended run is next due. Deliveries that arrive
	// earlier are stale and dropped.
	WakeAt    *time.Time `json:"wake_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (RunRecord) TableName() string { return "workflow_run" }

// StepRecord memoizes one step of a run. Waits and sleeps keep their cursor
// and deadline here so a restarted run resumes the same suspension.
type StepRecord struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string     `gorm:"type:varchar(191);uniqueIndex:idx_run_step,priority:1" json:"run_id"`
	StepKey   string     `gorm:"type:varchar(191);uniqueIndex:idx_run_step,priority:2" json:"step_key"`
	Status    string     `gorm:"type:varchar(16)" json:"status"`
	Topic     string     `gorm:"type:varchar(96)" json:"topic"`
	Result    []byte     `gorm:"type:blob" json:"result"`
	Cursor    uint64     `json:"cursor"`
	Deadline  *time.Time `json:"deadline"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (StepRecord) TableName() string { return "workflow_step" }

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &RunRecord{}, &StepRecord{})
}

func loadStep(db *gorm.DB, runID, key string) (*StepRecord, error) {
	var rows []StepRecord
	if err := db.Where("run_id = ? AND step_key = ?", runID, key).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func loadRun(db *gorm.DB, id string) (*RunRecord, error) {
	var rows []RunRecord
	if err := db.Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
