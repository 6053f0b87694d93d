// Package discovery resolves peers' encrypted payment endpoints.
//
// Endpoints are published as small JSON documents in a directory keyed by the
// owner's public key. The directory transport itself is pluggable; this
// package ships an in-memory implementation for tests and demos plus a parser
// for manual endpoint overrides.
package discovery

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrEndpointNotFound indicates the peer has no published endpoint.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrInvalidEndpoint indicates a malformed endpoint document or override string.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// EndpointInfo describes a peer's Noise server endpoint. It is produced by
// directory discovery and consumed read-only by the connection client.
type EndpointInfo struct {
	Host            string
	Port            uint16
	ServerPublicKey []byte
	Metadata        string
}

// Address returns the dialable host:port form.
func (e *EndpointInfo) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// endpointDocument is the JSON wire form stored in the directory.
type endpointDocument struct {
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Pubkey   string `json:"pubkey"`
	Metadata string `json:"metadata,omitempty"`
}

// Directory is the endpoint lookup and publication surface. Implementations
// wrap whatever storage the deployment uses; the session layer treats it as
// an external collaborator.
type Directory interface {
	// Discover returns the endpoint published by peerPubkey, or
	// ErrEndpointNotFound.
	Discover(peerPubkey string) (*EndpointInfo, error)
	// Publish makes ownerPubkey discoverable at the given endpoint.
	Publish(ownerPubkey string, info *EndpointInfo) error
	// Remove withdraws ownerPubkey's published endpoint.
	Remove(ownerPubkey string) error
}

// MemoryDirectory is an in-process Directory for tests and demos. Documents
// round-trip through the JSON wire form so the storage contract stays honest.
type MemoryDirectory struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{docs: make(map[string]string)}
}

// Discover returns the endpoint published by peerPubkey.
func (d *MemoryDirectory) Discover(peerPubkey string) (*EndpointInfo, error) {
	d.mu.RLock()
	raw, ok := d.docs[peerPubkey]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, peerPubkey)
	}

	var doc endpointDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	key, err := parsePubkeyHex(doc.Pubkey)
	if err != nil {
		return nil, err
	}

	return &EndpointInfo{
		Host:            doc.Host,
		Port:            doc.Port,
		ServerPublicKey: key,
		Metadata:        doc.Metadata,
	}, nil
}

// Publish stores the endpoint document for ownerPubkey.
func (d *MemoryDirectory) Publish(ownerPubkey string, info *EndpointInfo) error {
	if info == nil || info.Host == "" || len(info.ServerPublicKey) != 32 {
		return fmt.Errorf("%w: incomplete endpoint", ErrInvalidEndpoint)
	}

	raw, err := json.Marshal(endpointDocument{
		Host:     info.Host,
		Port:     info.Port,
		Pubkey:   hex.EncodeToString(info.ServerPublicKey),
		Metadata: info.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize endpoint: %w", err)
	}

	d.mu.Lock()
	d.docs[ownerPubkey] = string(raw)
	d.mu.Unlock()
	return nil
}

// Remove withdraws ownerPubkey's endpoint. Removing an absent entry is a no-op.
func (d *MemoryDirectory) Remove(ownerPubkey string) error {
	d.mu.Lock()
	delete(d.docs, ownerPubkey)
	d.mu.Unlock()
	return nil
}

// ParseEndpoint parses a manual endpoint override of the form
// "host:port:pubkey_hex". The last two colon-separated fields are the port
// and the hex public key, so IPv6 hosts with embedded colons still parse.
func ParseEndpoint(s string) (*EndpointInfo, error) {
	lastColon := strings.LastIndex(s, ":")
	if lastColon < 0 {
		return nil, fmt.Errorf("%w: expected host:port:pubkey_hex", ErrInvalidEndpoint)
	}
	pubkeyHex := s[lastColon+1:]

	rest := s[:lastColon]
	portColon := strings.LastIndex(rest, ":")
	if portColon < 0 {
		return nil, fmt.Errorf("%w: expected host:port:pubkey_hex", ErrInvalidEndpoint)
	}
	host := rest[:portColon]
	portStr := rest[portColon+1:]

	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, portStr)
	}

	key, err := parsePubkeyHex(pubkeyHex)
	if err != nil {
		return nil, err
	}

	return &EndpointInfo{
		Host:            strings.Trim(host, "[]"),
		Port:            uint16(port),
		ServerPublicKey: key,
	}, nil
}

func parsePubkeyHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key hex", ErrInvalidEndpoint)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrInvalidEndpoint, len(key))
	}
	return key, nil
}
