// Package registry announces dispatcher endpoints so that clients can find them.
//
// A record is stored per contract and address:
//
//	Key:   /mini-dispatch/{Contract}/{Address}
//	Value: JSON-encoded EndpointRecord
package registry

import (
	"context"
	"errors"
)

// Prefix is the root of every key the registries write.
const Prefix = "/mini-dispatch/"

// ErrInvalidRecord is returned for records without a contract or address.
var ErrInvalidRecord = errors.New("registry: record needs a contract and an address")

// EndpointRecord describes one reachable endpoint.
type EndpointRecord struct {
	Contract string   `json:"contract"`
	Address  string   `json:"address"`
	Actions  []string `json:"actions,omitempty"`
	Weight   int      `json:"weight"` // Weight for load balancing
	Session  bool     `json:"session"`
	Version  string   `json:"version,omitempty"`
}

// Key returns the record's key below Prefix.
func (r EndpointRecord) Key() string {
	return key(r.Contract, r.Address)
}

func (r EndpointRecord) validate() error {
	if r.Contract == "" || r.Address == "" {
		return ErrInvalidRecord
	}
	return nil
}

func key(contract, addr string) string {
	return Prefix + contract + "/" + addr
}

func contractPrefix(contract string) string {
	return Prefix + contract + "/"
}

// Registry stores endpoint records. Registrations expire after ttl seconds unless the registry
// keeps them alive.
type Registry interface {
	Register(ctx context.Context, rec EndpointRecord, ttl int64) error
	Deregister(ctx context.Context, contract, addr string) error
	Discover(ctx context.Context, contract string) ([]EndpointRecord, error)
	// Watch emits the full record list of contract after every change until ctx ends.
	Watch(ctx context.Context, contract string) <-chan []EndpointRecord
}
