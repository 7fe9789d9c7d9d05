// Package service loads service metadata and assembles a paid client for
// one service group: channel manager, daemon client, payment interceptors
// and the gRPC connection they decorate.
package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"snetpay/ledger"
)

// DefaultGroup is used when no group name is configured.
const DefaultGroup = "default_group"

// FixedPriceModel is the only price model the client can pay automatically.
const FixedPriceModel = "fixed_price"

var (
	// ErrGroupNotFound is returned when the metadata has no group of the given name.
	ErrGroupNotFound = errors.New("service: group not found")
	// ErrNoFixedPrice is returned when a group has no fixed_price pricing entry.
	ErrNoFixedPrice = errors.New("service: no fixed price")
	// ErrNoEndpoint is returned when a group lists no endpoints and none is configured.
	ErrNoEndpoint = errors.New("service: no endpoint")
)

// Metadata is a service's published metadata document. JSON documents from
// the registry decode as well as hand-written YAML.
type Metadata struct {
	Version     int     `yaml:"version"`
	DisplayName string  `yaml:"display_name"`
	Encoding    string  `yaml:"encoding"`
	ServiceType string  `yaml:"service_type"`
	MPEAddress  string  `yaml:"mpe_address"`
	Groups      []Group `yaml:"groups"`
}

// Group is one payment group of a service.
type Group struct {
	GroupName string    `yaml:"group_name"`
	GroupID   string    `yaml:"group_id"`
	Payment   Payment   `yaml:"payment"`
	Pricing   []Pricing `yaml:"pricing"`
	Endpoints []string  `yaml:"endpoints"`
	FreeCalls int64     `yaml:"free_calls"`
}

// Payment holds a group's escrow parameters.
type Payment struct {
	PaymentAddress             string `yaml:"payment_address"`
	PaymentExpirationThreshold uint64 `yaml:"payment_expiration_threshold"`
	PaymentChannelStorageType  string `yaml:"payment_channel_storage_type"`
}

// Pricing is one price model entry.
type Pricing struct {
	PriceModel  string `yaml:"price_model"`
	PriceInCogs Cogs   `yaml:"price_in_cogs"`
	Default     bool   `yaml:"default"`
}

// Cogs is an amount in the token's smallest unit. It decodes from numbers or
// numeric strings of any size.
type Cogs struct {
	*big.Int
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Cogs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("service: price_in_cogs must be a scalar, line %d", node.Line)
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(node.Value), 10)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("service: invalid price_in_cogs %q, line %d", node.Value, node.Line)
	}
	c.Int = v
	return nil
}

// ParseMetadata decodes a metadata document.
func ParseMetadata(data []byte) (*Metadata, error) {
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("service: parse metadata: %w", err)
	}
	if len(md.Groups) == 0 {
		return nil, errors.New("service: metadata lists no groups")
	}
	return &md, nil
}

// LoadMetadata reads and decodes the metadata document at path.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("service: read metadata: %w", err)
	}
	return ParseMetadata(data)
}

// Group returns the group called name, or DefaultGroup when name is empty.
func (m *Metadata) Group(name string) (*Group, error) {
	if name = strings.TrimSpace(name); name == "" {
		name = DefaultGroup
	}
	for i := range m.Groups {
		if m.Groups[i].GroupName == name {
			return &m.Groups[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
}

// FixedPrice returns the price of the group's fixed_price entry.
func (g *Group) FixedPrice() (*big.Int, error) {
	for _, p := range g.Pricing {
		if p.PriceModel == FixedPriceModel && p.PriceInCogs.Int != nil {
			return new(big.Int).Set(p.PriceInCogs.Int), nil
		}
	}
	return nil, fmt.Errorf("%w: group %q", ErrNoFixedPrice, g.GroupName)
}

// ID decodes the base64 group id.
func (g *Group) ID() (ledger.GroupID, error) {
	var id ledger.GroupID
	raw, err := base64.StdEncoding.DecodeString(g.GroupID)
	if err != nil {
		return id, fmt.Errorf("service: group %q id: %w", g.GroupName, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("service: group %q id is %d bytes, want %d", g.GroupName, len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// Recipient returns the group's payment address.
func (g *Group) Recipient() (common.Address, error) {
	if !common.IsHexAddress(g.Payment.PaymentAddress) {
		return common.Address{}, fmt.Errorf("service: group %q payment address %q invalid", g.GroupName, g.Payment.PaymentAddress)
	}
	return common.HexToAddress(g.Payment.PaymentAddress), nil
}

// Endpoint returns override when set, otherwise the group's first endpoint.
func (g *Group) Endpoint(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}
	if len(g.Endpoints) == 0 {
		return "", fmt.Errorf("%w: group %q", ErrNoEndpoint, g.GroupName)
	}
	return g.Endpoints[0], nil
}
