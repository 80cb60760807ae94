// Package contentid decides whether a content identifier returned by the
// storage network is usable enough to be committed to the ledger.
//
// Every policy is a pure predicate: the same identifier always yields the
// same answer, and nothing is looked up over the network.
package contentid

import (
	"fmt"
	"strings"

	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/ipfs/go-cid"
)

// CIDv0 identifiers are base58btc sha2-256 multihashes: "Qm" + 44 characters.
const (
	CIDv0Prefix = "Qm"
	CIDv0Length = 46
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Validator reports whether a content identifier may be committed.
type Validator interface {
	Valid(id string) bool
}

// Func adapts a plain function to the Validator interface.
type Func func(id string) bool

// Valid calls f(id).
func (f Func) Valid(id string) bool { return f(id) }

// New builds the validator selected by cfg.Policy.
func New(cfg config.ValidatorConfig) (Validator, error) {
	switch cfg.Policy {
	case "", config.PolicyCIDv0:
		return CIDv0{}, nil
	case config.PolicyLength:
		if cfg.MinLength < 1 {
			return nil, fmt.Errorf("min length must be at least 1")
		}
		return MinLength(cfg.MinLength), nil
	case config.PolicyPrefix:
		if cfg.Prefix == "" {
			return nil, fmt.Errorf("prefix policy requires a prefix")
		}
		return Prefix{Prefix: cfg.Prefix, MinLength: cfg.MinLength}, nil
	case config.PolicyCID:
		return Decodable{}, nil
	default:
		return nil, fmt.Errorf("unknown validator policy %q", cfg.Policy)
	}
}

// CIDv0 accepts identifiers shaped like a version 0 CID.
type CIDv0 struct{}

// Valid implements Validator.
func (CIDv0) Valid(id string) bool {
	if len(id) != CIDv0Length || !strings.HasPrefix(id, CIDv0Prefix) {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(base58Alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}

// MinLength accepts any identifier at least this many bytes long.
type MinLength int

// Valid implements Validator.
func (m MinLength) Valid(id string) bool {
	return id != "" && len(id) >= int(m)
}

// Prefix accepts identifiers carrying a scheme prefix and a minimum length.
type Prefix struct {
	Prefix    string
	MinLength int
}

// Valid implements Validator.
func (p Prefix) Valid(id string) bool {
	if id == "" || !strings.HasPrefix(id, p.Prefix) {
		return false
	}
	return len(id) >= p.MinLength && len(id) > len(p.Prefix)
}

// Decodable accepts anything go-cid can decode, of any CID version.
type Decodable struct{}

// Valid implements Validator.
func (Decodable) Valid(id string) bool {
	if id == "" {
		return false
	}
	_, err := cid.Decode(id)
	return err == nil
}
