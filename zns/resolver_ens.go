package zns

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== ENS bridge resolver ====================

// Ethereum function selectors used against the registry and resolvers.
const (
	selResolver    = "0178b8bf" // resolver(bytes32)
	selAddr        = "3b3b57de" // addr(bytes32)
	selText        = "59d1d43c" // text(bytes32,string)
	selContenthash = "bc1c58d1" // contenthash(bytes32)
)

// ensTextKeys is the fixed list of text records fetched per domain.
var ensTextKeys = []string{
	"dns.A", "dns.AAAA", "url", "avatar", "description",
	"com.twitter", "com.github", "email",
}

type ethCallRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type ethCallReply struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ENSResolver reads ENS records through a JSON-RPC Ethereum endpoint.
type ENSResolver struct {
	rpcEndpoint string
	registry    string
	client      *http.Client
	gate        *rpsGate
}

// NewENSResolver creates the ENS bridge adapter.
func NewENSResolver(rpcEndpoint, registry string, timeout time.Duration) *ENSResolver {
	utils.WriteLog(utils.LogInfo, "ens bridge targeting %s", rpcEndpoint)
	return &ENSResolver{
		rpcEndpoint: rpcEndpoint,
		registry:    registry,
		client:      &http.Client{Timeout: timeout},
		gate:        newRPSGate(types.ENSRequestsPerSecond),
	}
}

func (er *ENSResolver) Name() string                   { return "ens" }
func (er *ENSResolver) Source() types.ResolutionSource { return types.SourceENSBridge }

// Namehash computes the ENS namehash: recursive legacy Keccak-256 over the
// labels in reverse order, starting from the zero node.
func Namehash(domain string) [32]byte {
	var node [32]byte
	if domain == "" {
		return node
	}

	labels := strings.Split(strings.ToLower(domain), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := keccak256([]byte(labels[i]))
		node = keccak256Pair(node[:], labelHash[:])
	}
	return node
}

func keccak256(data []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func keccak256Pair(a, b []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(a)
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ethCall performs one eth_call against the configured endpoint.
func (er *ENSResolver) ethCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	if !er.gate.allow() {
		return nil, fmt.Errorf("ens bridge rate ceiling reached")
	}

	payload, err := json.Marshal(ethCallRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params: []interface{}{
			map[string]string{"to": to, "data": "0x" + hex.EncodeToString(data)},
			"latest",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal eth_call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, er.rpcEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := er.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eth_call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("eth_call status %d", resp.StatusCode)
	}

	var reply ethCallReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("parse eth_call reply: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("eth_call error %d: %s", reply.Error.Code, reply.Error.Message)
	}

	return hex.DecodeString(strings.TrimPrefix(reply.Result, "0x"))
}

// abiEncodeBytes32 builds selector || node.
func abiEncodeBytes32(selector string, node [32]byte) []byte {
	sel, _ := hex.DecodeString(selector)
	return append(sel, node[:]...)
}

// abiEncodeBytes32String builds selector || node || offset || len || padded key.
func abiEncodeBytes32String(selector string, node [32]byte, s string) []byte {
	sel, _ := hex.DecodeString(selector)
	out := make([]byte, 0, 4+32*3+((len(s)+31)/32)*32)
	out = append(out, sel...)
	out = append(out, node[:]...)

	var offset [32]byte
	binary.BigEndian.PutUint64(offset[24:], 64)
	out = append(out, offset[:]...)

	var length [32]byte
	binary.BigEndian.PutUint64(length[24:], uint64(len(s)))
	out = append(out, length[:]...)

	padded := make([]byte, ((len(s)+31)/32)*32)
	copy(padded, s)
	return append(out, padded...)
}

// abiDecodeString unwraps a dynamic string return value.
func abiDecodeString(data []byte) string {
	if len(data) < 64 {
		return ""
	}
	offset := binary.BigEndian.Uint64(data[24:32])
	if int(offset)+32 > len(data) {
		return ""
	}
	length := binary.BigEndian.Uint64(data[offset+24 : offset+32])
	start := offset + 32
	if int(start+length) > len(data) {
		return ""
	}
	return string(data[start : start+length])
}

// abiDecodeAddress unwraps an address return value.
func abiDecodeAddress(data []byte) string {
	if len(data) < 32 {
		return ""
	}
	addr := data[12:32]
	if allZero(addr) {
		return ""
	}
	return "0x" + hex.EncodeToString(addr)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Resolve walks registry → resolver → records for one .eth name.
func (er *ENSResolver) Resolve(ctx context.Context, domain string, recordTypes []types.RecordType) (*types.ResolveResponse, error) {
	node := Namehash(domain)

	resolverData, err := er.ethCall(ctx, er.registry, abiEncodeBytes32(selResolver, node))
	if err != nil {
		return nil, err
	}
	resolverAddr := abiDecodeAddress(resolverData)
	if resolverAddr == "" {
		return errorResponse(domain, types.SourceENSBridge,
			types.NewZNSErrorf(types.ErrCodeDomainNotFound, "no ens resolver set for %s", domain)), nil
	}

	now := time.Now().Unix()
	var records []types.DNSRecord

	if addrData, err := er.ethCall(ctx, resolverAddr, abiEncodeBytes32(selAddr, node)); err == nil {
		if addr := abiDecodeAddress(addrData); addr != "" {
			records = append(records, types.DNSRecord{
				Type: types.RecordTypeWALLET, Name: domain, Value: addr,
				TTL: types.DefaultMinTTLSeconds * 5, CreatedAt: now,
			})
		}
	}

	for _, key := range ensTextKeys {
		textData, err := er.ethCall(ctx, resolverAddr, abiEncodeBytes32String(selText, node, key))
		if err != nil {
			continue
		}
		value := abiDecodeString(textData)
		if value == "" {
			continue
		}

		record := types.DNSRecord{Name: domain, TTL: types.DefaultMinTTLSeconds * 5, CreatedAt: now}
		switch key {
		case "dns.A":
			record.Type = types.RecordTypeA
			record.Value = value
		case "dns.AAAA":
			record.Type = types.RecordTypeAAAA
			record.Value = value
		default:
			record.Type = types.RecordTypeTXT
			record.Value = key + "=" + value
		}
		records = append(records, record)
	}

	if chData, err := er.ethCall(ctx, resolverAddr, abiEncodeBytes32(selContenthash, node)); err == nil {
		if ch := abiDecodeContenthash(chData); ch != "" {
			records = append(records, types.DNSRecord{
				Type: types.RecordTypeTXT, Name: domain, Value: "contenthash=" + ch,
				TTL: types.DefaultMinTTLSeconds * 5, CreatedAt: now,
			})
		}
	}

	if len(records) == 0 {
		return errorResponse(domain, types.SourceENSBridge,
			types.NewZNSErrorf(types.ErrCodeDomainNotFound, "no ens records for %s", domain)), nil
	}

	return successResponse(domain, filterRecords(records, recordTypes), nil, types.SourceENSBridge), nil
}

// abiDecodeContenthash renders a dynamic bytes return as 0x-hex.
func abiDecodeContenthash(data []byte) string {
	if len(data) < 64 {
		return ""
	}
	offset := binary.BigEndian.Uint64(data[24:32])
	if int(offset)+32 > len(data) {
		return ""
	}
	length := binary.BigEndian.Uint64(data[offset+24 : offset+32])
	if length == 0 {
		return ""
	}
	start := offset + 32
	if int(start+length) > len(data) {
		return ""
	}
	return "0x" + hex.EncodeToString(data[start:start+length])
}
