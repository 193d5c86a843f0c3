package application

import (
	"testing"

	"github.com/endorses/flowscope/internal/pkg/detector/signatures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dnsQueryHeader    = "\xab\xcd\x01\x00\x00\x01\x00\x00\x00\x00\x00\x00"
	dnsResponseHeader = "\xab\xcd\x81\x80\x00\x01\x00\x01\x00\x00\x00\x00"
)

func TestDNSSignature_Detect(t *testing.T) {
	sig := NewDNSSignature()

	tests := []struct {
		name         string
		prefix       string
		wantMatch    bool
		wantResponse bool
	}{
		{name: "query", prefix: dnsQueryHeader + "\x07example", wantMatch: true},
		{name: "response", prefix: dnsResponseHeader, wantMatch: true, wantResponse: true},
		{name: "query with answers", prefix: "\xab\xcd\x01\x00\x00\x01\x00\x01\x00\x00\x00\x00", wantMatch: false},
		{name: "query without questions", prefix: "\xab\xcd\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00", wantMatch: false},
		{name: "reserved bits set", prefix: "\xab\xcd\x01\x70\x00\x01\x00\x00\x00\x00\x00\x00", wantMatch: false},
		{name: "short", prefix: "\xab\xcd\x01\x00\x00\x01", wantMatch: false},
		{name: "text", prefix: "GET /index.html ", wantMatch: false},
		{name: "length prefixed", prefix: "\x00\x1d" + dnsQueryHeader, wantMatch: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sig.Detect([]byte(tt.prefix))
			if !tt.wantMatch {
				assert.Nil(t, result)
				return
			}
			require.NotNil(t, result)
			assert.Equal(t, "DNS", result.Protocol)
			assert.Equal(t, tt.wantResponse, result.Response)
			assert.GreaterOrEqual(t, result.Confidence, signatures.ConfidenceMedium)
		})
	}
}

func TestDNSStreamSignature_Detect(t *testing.T) {
	sig := NewDNSStreamSignature()

	result := sig.Detect([]byte("\x00\x1d" + dnsQueryHeader + "\x07e"))
	require.NotNil(t, result)
	assert.False(t, result.Response)
	assert.GreaterOrEqual(t, result.Confidence, signatures.ConfidenceMedium)

	result = sig.Detect([]byte("\x00\x1d" + dnsResponseHeader))
	require.NotNil(t, result)
	assert.True(t, result.Response)

	assert.Nil(t, sig.Detect([]byte("\x00\x05"+dnsQueryHeader)), "length shorter than a header")
	assert.Nil(t, sig.Detect([]byte(dnsQueryHeader)), "no length prefix")
	assert.Nil(t, sig.Detect([]byte("\x16\x03\x01\x02\x00\x01\x00\x01\xfc\x03\x03\x00\x01\x02\x03\x04")), "TLS record")
}
