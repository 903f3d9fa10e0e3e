package zns

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Unstoppable Domains bridge ====================

// walletPreference orders crypto.<SYM>.address keys when several are present.
var walletPreference = []string{"ETH", "BTC", "LTC", "DOGE"}

type udDomainReply struct {
	Meta struct {
		Domain string `json:"domain"`
		Owner  string `json:"owner"`
	} `json:"meta"`
	Records map[string]string `json:"records"`
}

// UDResolver queries the Unstoppable Domains HTTP API and maps the returned
// key/value set onto DNS records.
type UDResolver struct {
	endpoint string
	apiKey   string
	client   *http.Client
	gate     *rpsGate
}

// NewUDResolver creates the Unstoppable Domains bridge adapter.
func NewUDResolver(endpoint, apiKey string, timeout time.Duration) *UDResolver {
	utils.WriteLog(utils.LogInfo, "unstoppable bridge targeting %s", endpoint)
	return &UDResolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		gate:     newRPSGate(types.UDRequestsPerSecond),
	}
}

func (ur *UDResolver) Name() string                   { return "ud" }
func (ur *UDResolver) Source() types.ResolutionSource { return types.SourceUnstoppable }

// Resolve fetches the domain's record map and converts it.
func (ur *UDResolver) Resolve(ctx context.Context, domain string, recordTypes []types.RecordType) (*types.ResolveResponse, error) {
	if !ur.gate.allow() {
		return nil, fmt.Errorf("unstoppable bridge rate ceiling reached")
	}

	url := ur.endpoint + "/resolve/domains/" + domain
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if ur.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+ur.apiKey)
	}

	resp, err := ur.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unstoppable api: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return errorResponse(domain, types.SourceUnstoppable,
			types.NewZNSErrorf(types.ErrCodeDomainNotFound, "domain %s is not registered", domain)), nil
	default:
		return nil, fmt.Errorf("unstoppable api status %d", resp.StatusCode)
	}

	var reply udDomainReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("parse unstoppable reply: %w", err)
	}

	records := mapUDRecords(domain, reply.Records)
	if len(records) == 0 {
		return errorResponse(domain, types.SourceUnstoppable,
			types.NewZNSErrorf(types.ErrCodeDomainNotFound, "no records published for %s", domain)), nil
	}

	var metadata *types.DomainMetadata
	if reply.Meta.Owner != "" {
		metadata = &types.DomainMetadata{Registrar: "unstoppable"}
	}

	return successResponse(domain, filterRecords(records, recordTypes), metadata, types.SourceUnstoppable), nil
}

// mapUDRecords converts the API key space onto DNS records:
// dns.A/dns.AAAA pass through, the preferred crypto.<SYM>.address becomes a
// WALLET record, ipfs hashes and redirects become CNAMEs, social keys
// become TXT key=value pairs.
func mapUDRecords(domain string, raw map[string]string) []types.DNSRecord {
	now := time.Now().Unix()
	var records []types.DNSRecord

	add := func(t types.RecordType, value string) {
		records = append(records, types.DNSRecord{
			Type: t, Name: domain, Value: value,
			TTL: types.DefaultMinTTLSeconds * 5, CreatedAt: now,
		})
	}

	for _, value := range splitValues(raw, "dns.A") {
		add(types.RecordTypeA, value)
	}
	for _, value := range splitValues(raw, "dns.AAAA") {
		add(types.RecordTypeAAAA, value)
	}

	for _, symbol := range walletPreference {
		if addr := raw["crypto."+symbol+".address"]; addr != "" {
			add(types.RecordTypeWALLET, addr)
			break
		}
	}

	if hash := raw["dweb.ipfs.hash"]; hash != "" {
		add(types.RecordTypeCNAME, "ipfs://"+hash)
	}
	if redirect := raw["browser.redirect_url"]; redirect != "" {
		add(types.RecordTypeCNAME, redirect)
	}

	socialKeys := make([]string, 0, 4)
	for key := range raw {
		if strings.HasPrefix(key, "social.") || strings.HasPrefix(key, "whois.") {
			socialKeys = append(socialKeys, key)
		}
	}
	sort.Strings(socialKeys)
	for _, key := range socialKeys {
		if value := raw[key]; value != "" {
			add(types.RecordTypeTXT, key+"="+value)
		}
	}

	return records
}

// splitValues handles the API occasionally packing several addresses into one
// newline-separated value.
func splitValues(raw map[string]string, key string) []string {
	value := raw[key]
	if value == "" {
		return nil
	}
	parts := strings.FieldsFunc(value, func(r rune) bool { return r == '\n' || r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
