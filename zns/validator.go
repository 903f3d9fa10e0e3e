package zns

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"strings"

	"github.com/GhostKellz/ghostbridge/types"
)

// ==================== Domain validation ====================

var identitySuffixes = []string{".ghost", ".gcc", ".sig", ".gpk", ".key", ".pin"}

var infrastructureSuffixes = []string{".bc", ".zns", ".ops"}

var ensSuffixes = []string{".eth"}

var unstoppableSuffixes = []string{
	".crypto", ".nft", ".x", ".wallet", ".bitcoin",
	".dao", ".888", ".zil", ".blockchain",
}

var experimentalSuffixes = []string{".exp", ".test", ".dev", ".warp"}

// Validator checks domain syntax, record contents and signatures.
type Validator struct {
	verifySignatures bool
}

// NewValidator creates a validator. When verifySignatures is false,
// VerifyDomainSignature accepts everything.
func NewValidator(verifySignatures bool) *Validator {
	return &Validator{verifySignatures: verifySignatures}
}

// IsValidDomain reports whether s is a well-formed domain ending in a
// supported suffix.
func (v *Validator) IsValidDomain(s string) bool {
	if len(s) == 0 || len(s) > types.MaxDomainNameLength {
		return false
	}

	first, last := s[0], s[len(s)-1]
	if first == '.' || first == '-' || last == '.' || last == '-' {
		return false
	}

	for _, label := range strings.Split(s, ".") {
		if label == "" {
			return false
		}
	}

	return v.GetDomainCategory(s) != types.CategoryUnsupported
}

// GetDomainCategory returns the routing category of the domain's suffix.
func (v *Validator) GetDomainCategory(s string) types.DomainCategory {
	lower := strings.ToLower(s)

	groups := []struct {
		suffixes []string
		category types.DomainCategory
	}{
		{identitySuffixes, types.CategoryIdentity},
		{infrastructureSuffixes, types.CategoryInfrastructure},
		{ensSuffixes, types.CategoryENSBridge},
		{unstoppableSuffixes, types.CategoryUnstoppableBridge},
		{experimentalSuffixes, types.CategoryExperimental},
	}

	for _, group := range groups {
		for _, suffix := range group.suffixes {
			if strings.HasSuffix(lower, suffix) {
				return group.category
			}
		}
	}
	return types.CategoryUnsupported
}

// ==================== Record validation ====================

// RecordValidation is the outcome of a per-record check.
type RecordValidation int

const (
	RecordValid RecordValidation = iota
	RecordInvalidFormat
	RecordInvalidLength
	RecordUnsupportedType
	RecordSignatureInvalid
)

func (rv RecordValidation) String() string {
	switch rv {
	case RecordValid:
		return "valid"
	case RecordInvalidFormat:
		return "invalid_format"
	case RecordInvalidLength:
		return "invalid_length"
	case RecordUnsupportedType:
		return "unsupported_type"
	case RecordSignatureInvalid:
		return "signature_invalid"
	default:
		return "unknown"
	}
}

// Err converts a non-valid outcome to a wire error.
func (rv RecordValidation) Err(record types.DNSRecord) *types.ZNSError {
	switch rv {
	case RecordValid:
		return nil
	case RecordUnsupportedType:
		return types.NewZNSErrorf(types.ErrCodeInvalidRecordType, "unsupported record type %q", record.Type)
	case RecordSignatureInvalid:
		return types.NewZNSErrorf(types.ErrCodeSignatureInvalid, "record %s has an invalid signature", record.Name)
	default:
		return types.NewZNSErrorf(types.ErrCodeInvalidRecordType, "record %s %s: %s", record.Type, record.Name, rv)
	}
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ValidateRecord runs the type-specific record check.
func (v *Validator) ValidateRecord(r types.DNSRecord) RecordValidation {
	switch types.RecordType(strings.ToUpper(string(r.Type))) {
	case types.RecordTypeA:
		ip := net.ParseIP(r.Value)
		if ip == nil || ip.To4() == nil {
			return RecordInvalidFormat
		}
	case types.RecordTypeAAAA:
		if !strings.Contains(r.Value, ":") {
			return RecordInvalidFormat
		}
		if len(r.Value) < 2 || len(r.Value) > 39 {
			return RecordInvalidLength
		}
	case types.RecordTypeCNAME, types.RecordTypeNS, types.RecordTypePTR:
		if !isPlausibleName(r.Value) {
			return RecordInvalidFormat
		}
	case types.RecordTypeMX:
		if r.Priority == nil {
			return RecordInvalidFormat
		}
		if !isPlausibleName(r.Target) && !isPlausibleName(r.Value) {
			return RecordInvalidFormat
		}
	case types.RecordTypeSRV:
		if r.Priority == nil || r.Weight == nil || r.Port == nil {
			return RecordInvalidFormat
		}
		if !isPlausibleName(r.Target) {
			return RecordInvalidFormat
		}
	case types.RecordTypeTXT:
		if len(r.Value) > types.MaxTXTRecordLength {
			return RecordInvalidLength
		}
	case types.RecordTypeCONTRACT, types.RecordTypeWALLET:
		if !isHexAddress(r.Value) {
			return RecordInvalidFormat
		}
	case types.RecordTypeSOA, types.RecordTypeGHOST:
		if r.Value == "" {
			return RecordInvalidFormat
		}
	default:
		return RecordUnsupportedType
	}
	return RecordValid
}

// isPlausibleName accepts any syntactically sound DNS name, including names
// outside the supported suffix set: record targets may point anywhere.
func isPlausibleName(s string) bool {
	if len(s) == 0 || len(s) > types.MaxDomainNameLength {
		return false
	}
	if s[0] == '.' || s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	trimmed := strings.TrimSuffix(s, ".")
	if trimmed == "" {
		return false
	}
	for _, label := range strings.Split(trimmed, ".") {
		if label == "" {
			return false
		}
	}
	return true
}

// ==================== Signature verification ====================

// canonicalDigest builds the signed digest:
// domain | owner | H(records) | last_updated, where H folds every record's
// (name, value, ttl) through SHA-256.
func canonicalDigest(dd *types.DomainData) []byte {
	recordsHash := sha256.New()
	for _, r := range dd.Records {
		rh := sha256.New()
		rh.Write([]byte(r.Name))
		rh.Write([]byte(r.Value))
		var ttl [4]byte
		binary.BigEndian.PutUint32(ttl[:], r.TTL)
		rh.Write(ttl[:])
		recordsHash.Write(rh.Sum(nil))
	}

	h := sha256.New()
	h.Write([]byte(dd.Domain))
	h.Write([]byte(dd.Owner))
	h.Write(recordsHash.Sum(nil))
	var updated [8]byte
	binary.BigEndian.PutUint64(updated[:], uint64(dd.LastUpdated))
	h.Write(updated[:])
	return h.Sum(nil)
}

// SignDomainData signs the canonical digest. Used by tests and by callers
// preparing register/update payloads.
func SignDomainData(dd *types.DomainData, key ed25519.PrivateKey) []byte {
	return ed25519.Sign(key, canonicalDigest(dd))
}

// VerifyDomainSignature checks the Ed25519 signature over the canonical
// serialization of dd.
func (v *Validator) VerifyDomainSignature(dd *types.DomainData, publicKey ed25519.PublicKey) RecordValidation {
	if !v.verifySignatures {
		return RecordValid
	}
	if dd == nil || len(dd.Signature) != ed25519.SignatureSize || len(publicKey) != ed25519.PublicKeySize {
		return RecordSignatureInvalid
	}
	if !ed25519.Verify(publicKey, canonicalDigest(dd), dd.Signature) {
		return RecordSignatureInvalid
	}
	return RecordValid
}
