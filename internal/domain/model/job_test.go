package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType_Valid(t *testing.T) {
	valid := []JobType{
		JobTypeScan, JobTypeRules, JobTypeAlert, JobTypeSecretRefresh,
		JobTypePurgeDaily, JobTypePurgeHourly, JobTypeSeenStringPurge,
	}
	for _, jt := range valid {
		assert.True(t, jt.Valid(), "expected %q to be valid", jt)
	}
	assert.False(t, JobType("browser").Valid())
	assert.False(t, JobType("").Valid())
}

func TestJobType_UnmarshalText(t *testing.T) {
	var jt JobType
	require.NoError(t, jt.UnmarshalText([]byte(" Scan ")))
	assert.Equal(t, JobTypeScan, jt)

	assert.Error(t, jt.UnmarshalText([]byte("bogus")))
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusActive.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusExpired.Terminal())
}

func TestCreateJobRequest_Validate(t *testing.T) {
	valid := func() CreateJobRequest {
		return CreateJobRequest{
			Type:        JobTypeScan,
			Payload:     json.RawMessage(`{"url":"https://example.com"}`),
			MaxAttempts: 3,
		}
	}

	req := valid()
	require.NoError(t, req.Validate())

	req = valid()
	req.Type = "bogus"
	assert.Error(t, req.Validate())

	req = valid()
	req.Payload = nil
	assert.Error(t, req.Validate())

	req = valid()
	req.Priority = 101
	assert.Error(t, req.Validate())

	req = valid()
	blank := "  "
	req.IdempotencyKey = &blank
	assert.Error(t, req.Validate())
}

func TestScanState_Rank(t *testing.T) {
	assert.Less(t, ScanStateQueued.Rank(), ScanStateActive.Rank())
	assert.Less(t, ScanStateActive.Rank(), ScanStateDone.Rank())
	assert.Equal(t, ScanStateDone.Rank(), ScanStateErrored.Rank())
	assert.Equal(t, -1, ScanState("bogus").Rank())
}
