package domain

import "time"

type BreakoutRoomID string

// BreakoutRoom is the metadata of a nested sub-session. Its router and
// transports are owned by the registry's resource graph.
type BreakoutRoom struct {
	ID        BreakoutRoomID `json:"id"`
	Name      string         `json:"name"`
	HostID    ParticipantID  `json:"hostId"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime,omitzero"`
}
