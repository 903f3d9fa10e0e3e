package zns

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/ghostbridge/types"
)

func TestNamehashVectors(t *testing.T) {
	// Reference vectors from the ENS specification.
	assert.Equal(t,
		"0000000000000000000000000000000000000000000000000000000000000000",
		hex.EncodeToString(zeroNode()))

	eth := Namehash("eth")
	assert.Equal(t,
		"93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae",
		hex.EncodeToString(eth[:]))

	fooEth := Namehash("foo.eth")
	assert.Equal(t,
		"de9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f",
		hex.EncodeToString(fooEth[:]))

	// Case-insensitive.
	upper := Namehash("FOO.ETH")
	assert.Equal(t, fooEth, upper)
}

func zeroNode() []byte {
	var node [32]byte
	return node[:]
}

// mockEthNode answers eth_call for a single registered name.
type mockEthNode struct {
	resolverAddr string // 20-byte hex, no prefix
	walletAddr   string // 20-byte hex, no prefix
	textRecords  map[string]string
}

func encodeString(s string) []byte {
	out := make([]byte, 64+((len(s)+31)/32)*32)
	binary.BigEndian.PutUint64(out[24:32], 32)
	binary.BigEndian.PutUint64(out[56:64], uint64(len(s)))
	copy(out[64:], s)
	return out
}

func encodeAddress(addrHex string) []byte {
	out := make([]byte, 32)
	addr, _ := hex.DecodeString(addrHex)
	copy(out[12:], addr)
	return out
}

func (m *mockEthNode) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Params) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var call struct {
		To   string `json:"to"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(req.Params[0], &call); err != nil {
		http.Error(w, "bad call", http.StatusBadRequest)
		return
	}

	data, err := hex.DecodeString(strings.TrimPrefix(call.Data, "0x"))
	if err != nil || len(data) < 36 {
		http.Error(w, "bad data", http.StatusBadRequest)
		return
	}
	selector := hex.EncodeToString(data[:4])

	var result []byte
	switch selector {
	case selResolver:
		result = encodeAddress(m.resolverAddr)
	case selAddr:
		result = encodeAddress(m.walletAddr)
	case selText:
		// Calldata layout: node | offset | length | padded key.
		args := data[4:]
		offset := binary.BigEndian.Uint64(args[56:64])
		length := binary.BigEndian.Uint64(args[offset+24 : offset+32])
		key := string(args[offset+32 : offset+32+length])
		result = encodeString(m.textRecords[key])
	case selContenthash:
		result = encodeString("")
	default:
		result = make([]byte, 32)
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1,
		"result": "0x" + hex.EncodeToString(result),
	})
}

func TestENSResolveMapsRecords(t *testing.T) {
	mock := &mockEthNode{
		resolverAddr: "00000000000000000000000000000000000000aa",
		walletAddr:   "d8da6bf26964af9d7eed9e03e53415d37aa96045",
		textRecords: map[string]string{
			"dns.A": "93.184.216.34",
			"url":   "https://vitalik.ca",
		},
	}
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	er := NewENSResolver(server.URL, "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e", 2*time.Second)
	resp, err := er.Resolve(context.Background(), "vitalik.eth",
		[]types.RecordType{types.RecordTypeA, types.RecordTypeTXT})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, types.SourceENSBridge, resp.ResolutionInfo.Source)

	var gotA, gotURL bool
	for _, record := range resp.Records {
		switch {
		case record.Type == types.RecordTypeA:
			gotA = true
			assert.Equal(t, "93.184.216.34", record.Value)
		case record.Type == types.RecordTypeTXT && record.Value == "url=https://vitalik.ca":
			gotURL = true
		}
	}
	assert.True(t, gotA, "dns.A text record maps onto an A record")
	assert.True(t, gotURL, "url text record maps onto a TXT key=value record")

	// The WALLET record was filtered out by the requested types.
	for _, record := range resp.Records {
		assert.NotEqual(t, types.RecordTypeWALLET, record.Type)
	}
}

func TestENSResolveWalletRecord(t *testing.T) {
	mock := &mockEthNode{
		resolverAddr: "00000000000000000000000000000000000000aa",
		walletAddr:   "d8da6bf26964af9d7eed9e03e53415d37aa96045",
		textRecords:  map[string]string{},
	}
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	er := NewENSResolver(server.URL, "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e", 2*time.Second)
	resp, err := er.Resolve(context.Background(), "vitalik.eth", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, types.RecordTypeWALLET, resp.Records[0].Type)
	assert.Equal(t, "0xd8da6bf26964af9d7eed9e03e53415d37aa96045", resp.Records[0].Value)
}

func TestENSResolveUnregisteredName(t *testing.T) {
	mock := &mockEthNode{
		resolverAddr: "0000000000000000000000000000000000000000",
	}
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	er := NewENSResolver(server.URL, "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e", 2*time.Second)
	resp, err := er.Resolve(context.Background(), "nobody.eth", nil)
	require.NoError(t, err)
	require.NotNil(t, resp, "the bridge owns .eth and reports the failure itself")
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrCodeDomainNotFound, resp.Error.Code)
}

func TestENSResolveEndpointDown(t *testing.T) {
	er := NewENSResolver("http://127.0.0.1:1", "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e", 200*time.Millisecond)
	_, err := er.Resolve(context.Background(), "vitalik.eth", nil)
	assert.Error(t, err)
}
