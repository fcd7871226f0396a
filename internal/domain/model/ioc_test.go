package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOC_MatchesHost(t *testing.T) {
	tests := []struct {
		name string
		ioc  IOC
		host string
		want bool
	}{
		{"fqdn exact", IOC{Type: IOCTypeFQDN, Value: "bad.example", Enabled: true}, "bad.example", true},
		{"fqdn subdomain", IOC{Type: IOCTypeFQDN, Value: "bad.example", Enabled: true}, "cdn.bad.example", true},
		{"fqdn case insensitive", IOC{Type: IOCTypeFQDN, Value: "Bad.Example", Enabled: true}, "BAD.EXAMPLE", true},
		{"fqdn suffix but not subdomain", IOC{Type: IOCTypeFQDN, Value: "bad.example", Enabled: true}, "notbad.example", false},
		{"ip exact", IOC{Type: IOCTypeIP, Value: "203.0.113.7", Enabled: true}, "203.0.113.7", true},
		{"ip mismatch", IOC{Type: IOCTypeIP, Value: "203.0.113.7", Enabled: true}, "203.0.113.8", false},
		{"literal exact", IOC{Type: IOCTypeLiteral, Value: "evil-path", Enabled: true}, "evil-path", true},
		{"disabled never matches", IOC{Type: IOCTypeFQDN, Value: "bad.example", Enabled: false}, "bad.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ioc.MatchesHost(tt.host))
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "bad.example", NormalizeHost(" BAD.example. "))
	assert.Equal(t, "", NormalizeHost("  "))
}

func TestCreateIOCRequest_Validate(t *testing.T) {
	req := CreateIOCRequest{Type: IOCTypeFQDN, Value: " Bad.Example ", Enabled: true}
	require.NoError(t, req.Validate())
	assert.Equal(t, "bad.example", req.Value)

	req = CreateIOCRequest{Type: IOCTypeIP, Value: "not-an-ip"}
	assert.Error(t, req.Validate())

	req = CreateIOCRequest{Type: "bogus", Value: "x"}
	assert.Error(t, req.Validate())
}

func TestScanEvent_Validate(t *testing.T) {
	ev := ScanEvent{ScanID: "s-1", Type: ScanEventWebRequest}
	require.NoError(t, ev.Validate())

	assert.Error(t, (&ScanEvent{Type: ScanEventWebRequest}).Validate())
	assert.Error(t, (&ScanEvent{ScanID: "s-1"}).Validate())

	assert.True(t, ScanEventWebRequest.Known())
	assert.False(t, ScanEventType("telemetry").Known())
}

func TestEntryForEventType(t *testing.T) {
	assert.Equal(t, ScanLogComplete, EntryForEventType(ScanEventComplete))
	assert.Equal(t, ScanLogError, EntryForEventType(ScanEventError))
	assert.Equal(t, ScanLogScreenshot, EntryForEventType(ScanEventScreenshot))
	assert.Equal(t, ScanLogRuleAlert, EntryForEventType(ScanEventRuleAlert))
	assert.Equal(t, ScanLogLogMessage, EntryForEventType(ScanEventWebRequest))
}
