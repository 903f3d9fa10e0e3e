package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveResponseRoundTrip(t *testing.T) {
	priority := uint16(10)
	resp := &ResolveResponse{
		Domain: "alice.ghost",
		Records: []DNSRecord{
			{Type: RecordTypeA, Name: "alice.ghost", Value: "10.0.0.1", TTL: 600},
			{Type: RecordTypeMX, Name: "alice.ghost", Value: "mx.alice.ghost", Target: "mx.alice.ghost", TTL: 600, Priority: &priority},
		},
		Metadata: &DomainMetadata{
			Registrar: "ghost",
			Tags:      []string{"identity"},
			Social:    &SocialLinks{Github: "alice"},
		},
		ResolutionInfo: ResolutionInfo{
			Source:     SourceZNSNative,
			WasCached:  false,
			DurationMs: 12,
			ResolvedAt: time.Now().Unix(),
		},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	parsed := &ResolveResponse{}
	require.NoError(t, json.Unmarshal(data, parsed))
	assert.Equal(t, resp, parsed)
}

func TestErrorEnvelopeRoundTrip(t *testing.T) {
	resp := &ResolveResponse{
		Domain: "bad.invalidtld",
		Error: NewZNSError(ErrCodeInvalidDomain, "domain bad.invalidtld is not valid").
			WithChain([]string{"native", "dns_fallback"}),
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"code":"INVALID_DOMAIN"`)

	parsed := &ResolveResponse{}
	require.NoError(t, json.Unmarshal(data, parsed))
	assert.Equal(t, resp.Error, parsed.Error)
}

func TestDomainDataClone(t *testing.T) {
	expiry := int64(1800000000)
	dd := &DomainData{
		Domain: "alice.ghost",
		Owner:  "0x742d35cc6634c0532925a3b8d431df45c3f8d23b",
		Records: []DNSRecord{
			{Type: RecordTypeA, Name: "alice.ghost", Value: "10.0.0.1", TTL: 600},
		},
		Metadata:    &DomainMetadata{Tags: []string{"a"}},
		Expiry:      &expiry,
		LastUpdated: 1700000000,
	}

	clone := dd.Clone()
	require.Equal(t, dd, clone)

	clone.Records[0].Value = "10.9.9.9"
	clone.Metadata.Tags[0] = "b"
	*clone.Expiry = 0

	assert.Equal(t, "10.0.0.1", dd.Records[0].Value)
	assert.Equal(t, "a", dd.Metadata.Tags[0])
	assert.Equal(t, int64(1800000000), *dd.Expiry)
}

func TestDomainDataIsExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()

	assert.False(t, (&DomainData{}).IsExpired(now), "no expiry never expires")
	assert.True(t, (&DomainData{Expiry: &past}).IsExpired(now))
	assert.False(t, (&DomainData{Expiry: &future}).IsExpired(now))
}

func TestErrorHTTPStatus(t *testing.T) {
	cases := map[ZNSErrorCode]int{
		ErrCodeInvalidDomain:       400,
		ErrCodePermissionDenied:    403,
		ErrCodeDomainNotFound:      404,
		ErrCodeDomainExpired:       410,
		ErrCodeRateLimited:         429,
		ErrCodeResolverUnavailable: 502,
		ErrCodeTimeout:             504,
		ErrCodeInternal:            500,
	}
	for code, want := range cases {
		assert.Equal(t, want, NewZNSError(code, "x").HTTPStatus(), string(code))
	}
	assert.Equal(t, 200, (*ZNSError)(nil).HTTPStatus())
}
