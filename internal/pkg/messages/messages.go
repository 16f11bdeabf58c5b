package messages

import (
	amessages "github.com/airenas/async-api/pkg/messages"
)

const (
	st = "ANNY/"
	// ProgressChange queue name, fired after every annotation write
	ProgressChange = st + "ProgressChange"
)

// ProgressMessage notifies that a coder's progress on a job changed.
// ID carries the job ID
type ProgressMessage struct {
	amessages.QueueMessage
	Coder string `json:"coder,omitempty"`
}

// NewProgressMessage creates a message for (job, coder)
func NewProgressMessage(jobID, coder string) *ProgressMessage {
	return &ProgressMessage{QueueMessage: amessages.QueueMessage{ID: jobID}, Coder: coder}
}
