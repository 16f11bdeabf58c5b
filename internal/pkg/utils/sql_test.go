package utils

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromSQLStr(t *testing.T) {
	assert.Equal(t, "job-1", FromSQLStr(sql.NullString{String: "job-1", Valid: true}))
	assert.Equal(t, "", FromSQLStr(sql.NullString{String: "x", Valid: false}))
}
