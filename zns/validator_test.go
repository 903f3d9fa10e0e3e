package zns

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/ghostbridge/types"
)

func uint16Ptr(v uint16) *uint16 { return &v }

func TestIsValidDomain(t *testing.T) {
	v := NewValidator(true)

	valid := []string{
		"alice.ghost",
		"sub.alice.ghost",
		"node-1.zns",
		"vitalik.eth",
		"brad.crypto",
		"thing.exp",
	}
	for _, domain := range valid {
		assert.True(t, v.IsValidDomain(domain), domain)
	}

	invalid := []string{
		"",
		".alice.ghost",
		"alice.ghost.",
		"-alice.ghost",
		"alice.ghost-",
		"alice..ghost",
		"bad.invalidtld",
		"plainword",
		strings.Repeat("a", 250) + ".ghost",
	}
	for _, domain := range invalid {
		assert.False(t, v.IsValidDomain(domain), domain)
	}
}

func TestValidDomainShapeProperty(t *testing.T) {
	v := NewValidator(true)

	samples := []string{
		"alice.ghost", "a.gcc", "x.sig", "infra.bc", "svc.ops",
		"vitalik.eth", "brad.crypto", "cool.nft", "lab.exp",
	}
	for _, domain := range samples {
		if !v.IsValidDomain(domain) {
			continue
		}
		require.GreaterOrEqual(t, len(domain), 1)
		require.LessOrEqual(t, len(domain), types.MaxDomainNameLength)
		require.NotContains(t, ".-", string(domain[0]))
		require.NotContains(t, ".-", string(domain[len(domain)-1]))
		require.NotEqual(t, types.CategoryUnsupported, v.GetDomainCategory(domain))
	}
}

func TestGetDomainCategory(t *testing.T) {
	v := NewValidator(true)

	cases := map[string]types.DomainCategory{
		"alice.ghost":  types.CategoryIdentity,
		"peer.key":     types.CategoryIdentity,
		"gw.pin":       types.CategoryIdentity,
		"chain.bc":     types.CategoryInfrastructure,
		"registry.zns": types.CategoryInfrastructure,
		"ops.ops":      types.CategoryInfrastructure,
		"vitalik.eth":  types.CategoryENSBridge,
		"brad.crypto":  types.CategoryUnstoppableBridge,
		"mine.bitcoin": types.CategoryUnstoppableBridge,
		"lab.exp":      types.CategoryExperimental,
		"bad.example":  types.CategoryUnsupported,
	}
	for domain, want := range cases {
		assert.Equal(t, want, v.GetDomainCategory(domain), domain)
	}
}

func TestValidateRecord(t *testing.T) {
	v := NewValidator(true)

	cases := []struct {
		name   string
		record types.DNSRecord
		want   RecordValidation
	}{
		{"a ok", types.DNSRecord{Type: types.RecordTypeA, Name: "a.ghost", Value: "10.0.0.1", TTL: 60}, RecordValid},
		{"a octet range", types.DNSRecord{Type: types.RecordTypeA, Name: "a.ghost", Value: "256.1.1.1"}, RecordInvalidFormat},
		{"a not quad", types.DNSRecord{Type: types.RecordTypeA, Name: "a.ghost", Value: "2001:db8::1"}, RecordInvalidFormat},
		{"aaaa ok", types.DNSRecord{Type: types.RecordTypeAAAA, Name: "a.ghost", Value: "2001:db8::1"}, RecordValid},
		{"aaaa no colon", types.DNSRecord{Type: types.RecordTypeAAAA, Name: "a.ghost", Value: "10.0.0.1"}, RecordInvalidFormat},
		{"aaaa too long", types.DNSRecord{Type: types.RecordTypeAAAA, Name: "a.ghost", Value: strings.Repeat("a:", 25)}, RecordInvalidLength},
		{"cname ok", types.DNSRecord{Type: types.RecordTypeCNAME, Name: "a.ghost", Value: "target.example.com"}, RecordValid},
		{"cname bad", types.DNSRecord{Type: types.RecordTypeCNAME, Name: "a.ghost", Value: "-broken"}, RecordInvalidFormat},
		{"mx ok", types.DNSRecord{Type: types.RecordTypeMX, Name: "a.ghost", Value: "mx.example.com", Target: "mx.example.com", Priority: uint16Ptr(10)}, RecordValid},
		{"mx no priority", types.DNSRecord{Type: types.RecordTypeMX, Name: "a.ghost", Target: "mx.example.com"}, RecordInvalidFormat},
		{"srv ok", types.DNSRecord{Type: types.RecordTypeSRV, Name: "a.ghost", Target: "svc.example.com", Priority: uint16Ptr(1), Weight: uint16Ptr(5), Port: uint16Ptr(443)}, RecordValid},
		{"srv missing port", types.DNSRecord{Type: types.RecordTypeSRV, Name: "a.ghost", Target: "svc.example.com", Priority: uint16Ptr(1), Weight: uint16Ptr(5)}, RecordInvalidFormat},
		{"txt ok", types.DNSRecord{Type: types.RecordTypeTXT, Name: "a.ghost", Value: "hello"}, RecordValid},
		{"txt too long", types.DNSRecord{Type: types.RecordTypeTXT, Name: "a.ghost", Value: strings.Repeat("x", 300)}, RecordInvalidLength},
		{"wallet ok", types.DNSRecord{Type: types.RecordTypeWALLET, Name: "a.ghost", Value: "0x742d35Cc6634C0532925a3b8D431Df45C3f8D23B"}, RecordValid},
		{"wallet short", types.DNSRecord{Type: types.RecordTypeWALLET, Name: "a.ghost", Value: "0x1234"}, RecordInvalidFormat},
		{"contract bad hex", types.DNSRecord{Type: types.RecordTypeCONTRACT, Name: "a.ghost", Value: "0x" + strings.Repeat("zz", 20)}, RecordInvalidFormat},
		{"unsupported", types.DNSRecord{Type: "BOGUS", Name: "a.ghost", Value: "x"}, RecordUnsupportedType},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, v.ValidateRecord(tc.record), tc.name)
	}
}

func TestVerifyDomainSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dd := &types.DomainData{
		Domain: "alice.ghost",
		Owner:  "0x742d35cc6634c0532925a3b8d431df45c3f8d23b",
		Records: []types.DNSRecord{
			{Type: types.RecordTypeA, Name: "alice.ghost", Value: "10.0.0.1", TTL: 600},
		},
		LastUpdated: time.Now().Unix(),
	}
	dd.Signature = SignDomainData(dd, priv)

	v := NewValidator(true)
	assert.Equal(t, RecordValid, v.VerifyDomainSignature(dd, pub))

	// Any field covered by the canonical digest breaks the signature.
	tampered := dd.Clone()
	tampered.Records[0].Value = "10.0.0.2"
	assert.Equal(t, RecordSignatureInvalid, v.VerifyDomainSignature(tampered, pub))

	tampered = dd.Clone()
	tampered.Owner = "0x0000000000000000000000000000000000000000"
	assert.Equal(t, RecordSignatureInvalid, v.VerifyDomainSignature(tampered, pub))

	tampered = dd.Clone()
	tampered.LastUpdated++
	assert.Equal(t, RecordSignatureInvalid, v.VerifyDomainSignature(tampered, pub))

	// Disabled verification accepts anything.
	off := NewValidator(false)
	assert.Equal(t, RecordValid, off.VerifyDomainSignature(tampered, pub))
}
