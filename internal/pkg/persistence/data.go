package persistence

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Annotation status values
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
)

type (

	// User table
	User struct {
		ID            string
		Email         string
		Admin         bool
		RestrictedJob sql.NullString
		Created       time.Time
	}

	// CodingJob table
	CodingJob struct {
		ID         string
		Title      string
		Codebook   json.RawMessage
		Rules      json.RawMessage
		Provenance json.RawMessage
		Restricted bool
		Archived   bool
		CreatorID  string
		Created    time.Time
	}

	// Unit table. Position is the stable ordinal within the job,
	// assigned at job creation
	Unit struct {
		ID       string
		JobID    string
		Position int
		Payload  json.RawMessage
		Gold     json.RawMessage
	}

	// Annotation table, one live row per (unit, coder)
	Annotation struct {
		UnitID   string
		CoderID  string
		JobID    string
		Payload  json.RawMessage
		Status   string
		Modified time.Time
	}

	// JobUser table, gates coding on restricted jobs
	JobUser struct {
		JobID   string
		UserID  string
		CanCode bool
	}

	// JobWithCreator is a job row joined with the creator's email
	JobWithCreator struct {
		CodingJob
		CreatorEmail string
	}

	// JobAnnotation is one ledger row joined with unit position and coder email,
	// used by the admin inspection endpoint
	JobAnnotation struct {
		UnitID   string
		Position int
		Coder    string
		Payload  json.RawMessage
		Status   string
		Modified time.Time
	}

	// JobSummary is a job list entry with per coder progress
	JobSummary struct {
		ID       string
		Title    string
		Creator  string
		Created  time.Time
		NTotal   int
		NCoded   int
		Modified time.Time
	}
)

// HasGold tells if the unit carries a known correct answer
func (u *Unit) HasGold() bool {
	return len(u.Gold) > 0
}
