package zns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Traditional DNS fallback ====================

var dnsQueryTypes = map[types.RecordType]uint16{
	types.RecordTypeA:     dns.TypeA,
	types.RecordTypeAAAA:  dns.TypeAAAA,
	types.RecordTypeCNAME: dns.TypeCNAME,
	types.RecordTypeMX:    dns.TypeMX,
	types.RecordTypeTXT:   dns.TypeTXT,
	types.RecordTypeSRV:   dns.TypeSRV,
	types.RecordTypeNS:    dns.TypeNS,
	types.RecordTypeSOA:   dns.TypeSOA,
	types.RecordTypePTR:   dns.TypePTR,
}

// defaultFallbackTypes is queried when the request does not narrow types.
var defaultFallbackTypes = []types.RecordType{
	types.RecordTypeA, types.RecordTypeAAAA, types.RecordTypeTXT,
}

// DNSFallbackResolver asks classic recursive resolvers. It never claims a
// namespace: an empty answer set is reported as foreign so the core can
// surface DOMAIN_NOT_FOUND itself.
type DNSFallbackResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSFallbackResolver creates the fallback adapter.
func NewDNSFallbackResolver(servers []string, timeout time.Duration) *DNSFallbackResolver {
	return &DNSFallbackResolver{
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (dr *DNSFallbackResolver) Name() string                   { return "dns_fallback" }
func (dr *DNSFallbackResolver) Source() types.ResolutionSource { return types.SourceTraditional }

// Resolve queries each requested type against the configured servers.
func (dr *DNSFallbackResolver) Resolve(ctx context.Context, domain string, recordTypes []types.RecordType) (*types.ResolveResponse, error) {
	if len(dr.servers) == 0 {
		return nil, nil
	}

	queryTypes := recordTypes
	if len(queryTypes) == 0 {
		queryTypes = defaultFallbackTypes
	}

	now := time.Now().Unix()
	var records []types.DNSRecord
	var lastErr error

	for _, rt := range queryTypes {
		qtype, ok := dnsQueryTypes[types.RecordType(strings.ToUpper(string(rt)))]
		if !ok {
			// Chain-native record kinds have no wire equivalent.
			continue
		}

		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(domain), qtype)
		msg.RecursionDesired = true

		response, err := dr.query(ctx, msg)
		if err != nil {
			lastErr = err
			continue
		}
		if response.Rcode != dns.RcodeSuccess {
			continue
		}

		for _, rr := range response.Answer {
			if record, ok := convertRR(domain, rr, now); ok {
				records = append(records, record)
			}
		}
	}

	if len(records) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("dns fallback: %w", lastErr)
		}
		return nil, nil
	}

	return successResponse(domain, records, nil, types.SourceTraditional), nil
}

// query tries each server in order until one answers.
func (dr *DNSFallbackResolver) query(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range dr.servers {
		response, _, err := dr.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			utils.WriteLog(utils.LogDebug, "dns query via %s failed: %v", server, err)
			lastErr = err
			continue
		}
		return response, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no dns servers configured")
	}
	return nil, lastErr
}

// convertRR maps one wire record onto the canonical record shape.
func convertRR(domain string, rr dns.RR, now int64) (types.DNSRecord, bool) {
	header := rr.Header()
	record := types.DNSRecord{
		Name:      domain,
		TTL:       header.Ttl,
		CreatedAt: now,
	}

	switch v := rr.(type) {
	case *dns.A:
		record.Type = types.RecordTypeA
		record.Value = v.A.String()
	case *dns.AAAA:
		record.Type = types.RecordTypeAAAA
		record.Value = v.AAAA.String()
	case *dns.CNAME:
		record.Type = types.RecordTypeCNAME
		record.Value = strings.TrimSuffix(v.Target, ".")
	case *dns.MX:
		record.Type = types.RecordTypeMX
		pref := v.Preference
		record.Priority = &pref
		record.Target = strings.TrimSuffix(v.Mx, ".")
		record.Value = record.Target
	case *dns.TXT:
		record.Type = types.RecordTypeTXT
		record.Value = strings.Join(v.Txt, "")
	case *dns.SRV:
		record.Type = types.RecordTypeSRV
		prio, weight, port := v.Priority, v.Weight, v.Port
		record.Priority = &prio
		record.Weight = &weight
		record.Port = &port
		record.Target = strings.TrimSuffix(v.Target, ".")
		record.Value = record.Target
	case *dns.NS:
		record.Type = types.RecordTypeNS
		record.Value = strings.TrimSuffix(v.Ns, ".")
	case *dns.SOA:
		record.Type = types.RecordTypeSOA
		record.Value = strings.TrimSuffix(v.Ns, ".") + " " + strings.TrimSuffix(v.Mbox, ".")
	case *dns.PTR:
		record.Type = types.RecordTypePTR
		record.Value = strings.TrimSuffix(v.Ptr, ".")
	default:
		return types.DNSRecord{}, false
	}

	return record, true
}
