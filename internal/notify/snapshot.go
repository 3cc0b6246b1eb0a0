package notify

import (
	"time"

	"classtrack/internal/attendance"
)

// Wire shapes pushed into rooms. The room snapshot is replace-style: clients
// substitute it wholesale instead of merging deltas.

// PingView is one raw sample as shown to subscribers.
type PingView struct {
	PingNumber int       `json:"pingNumber"`
	PingTime   time.Time `json:"pingTime"`
	Status     string    `json:"status"`
}

// StudentPingsView groups a student's live pings.
type StudentPingsView struct {
	Student   string     `json:"student"`
	Pings     []PingView `json:"pings"`
	PingCount int        `json:"pingCount"`
}

// ProcessingResults summarizes the batch that triggered a refresh.
type ProcessingResults struct {
	Created      []attendance.StudentOutcome `json:"created"`
	MarkedAbsent []attendance.StudentOutcome `json:"markedAbsent"`
	Errors       []attendance.StudentError   `json:"errors"`
}

// RoomSnapshot is the authoritative room state pushed after every batch.
type RoomSnapshot struct {
	Type              string             `json:"type"`
	ClassID           string             `json:"classId"`
	Date              string             `json:"date"`
	ActivePings       []StudentPingsView `json:"activePings"`
	Timestamp         time.Time          `json:"timestamp"`
	ProcessingResults ProcessingResults  `json:"processingResults"`
}

// PingNotice is the low-latency single-ping event. The room snapshot that
// follows remains the authoritative state.
type PingNotice struct {
	Type       string    `json:"type"`
	ClassID    string    `json:"classId"`
	Date       string    `json:"date"`
	Student    string    `json:"student"`
	PingNumber int       `json:"pingNumber"`
	PingTime   time.Time `json:"pingTime"`
	Status     string    `json:"status"`
}

func buildSnapshot(evt attendance.RefreshEvent, grouped []attendance.StudentPings, at time.Time) RoomSnapshot {
	snap := RoomSnapshot{
		Type:      "room_snapshot",
		ClassID:   evt.ClassID,
		Date:      attendance.DateKey(evt.Date),
		Timestamp: at,
		ProcessingResults: ProcessingResults{
			Created:      evt.Results.Created,
			MarkedAbsent: evt.Results.MarkedAbsent,
			Errors:       evt.Results.Errors,
		},
	}
	for _, sp := range grouped {
		view := StudentPingsView{Student: sp.StudentID, PingCount: sp.PingCount}
		for _, p := range sp.Pings {
			view.Pings = append(view.Pings, PingView{
				PingNumber: p.PingNumber,
				PingTime:   p.PingedAt,
				Status:     string(p.Status),
			})
		}
		snap.ActivePings = append(snap.ActivePings, view)
	}
	return snap
}
