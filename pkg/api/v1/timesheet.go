package v1

import (
	"encoding/json"
	"time"
)

// Timesheet is the payload a driver submits at the end of a shift.
type Timesheet struct {
	OperatorID  string         `json:"operator_id"`
	EquipmentID string         `json:"equipment_id"`
	SiteID      string         `json:"site_id"`
	WorkDate    string         `json:"work_date"` // YYYY-MM-DD
	ClockIn     time.Time      `json:"clock_in"`
	ClockOut    time.Time      `json:"clock_out"`
	BreakMins   int            `json:"break_mins"`
	HourMeter   *HourMeter     `json:"hour_meter,omitempty"`
	Activities  []Activity     `json:"activities,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type HourMeter struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Activity struct {
	Code  string  `json:"code"`
	Hours float64 `json:"hours"`
}

// Attendance is a single check-in/out mark.
type Attendance struct {
	OperatorID string    `json:"operator_id"`
	SiteID     string    `json:"site_id"`
	Kind       string    `json:"kind"` // in | out
	At         time.Time `json:"at"`
	Latitude   float64   `json:"lat,omitempty"`
	Longitude  float64   `json:"lng,omitempty"`
}

// OutboxEvent is streamed to watchers whenever the queue changes.
type OutboxEvent struct {
	Revision   int64          `json:"revision"`
	Action     string         `json:"action"`
	EntryID    string         `json:"entry_id,omitempty"`
	Feature    string         `json:"feature,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`
	Message    string         `json:"message,omitempty"`
	Depth      map[string]int `json:"depth,omitempty"`
	At         time.Time      `json:"at"`
}

func (e *OutboxEvent) ToJSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		panic("fieldsync serialization failed: " + err.Error())
	}
	return string(b)
}
