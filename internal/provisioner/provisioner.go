package provisioner

import (
	"context"
	"fmt"

	"github.com/polarpass/teller/pkg/models"
)

// Credential is the outcome of a successful provisioning call: an opaque
// connection descriptor plus the identity needed to renew or revoke it later.
type Credential struct {
	Key      string
	Protocol models.Protocol
	ServerID *string
	Username string
}

// Provisioner creates, extends and removes VPN credentials on a remote
// backend. Implementations must be safe for concurrent use.
type Provisioner interface {
	Provision(ctx context.Context, accountID string, tariff models.Tariff) (*Credential, error)
	Renew(ctx context.Context, key models.AccessKey, tariff models.Tariff) error
	Revoke(ctx context.Context, key models.AccessKey) error
}

// Selector routes provisioning calls by protocol.
type Selector struct {
	byProtocol map[models.Protocol]Provisioner
	fallback   models.Protocol
}

// NewSelector creates a selector whose For falls back to the given protocol
// when asked for an empty one.
func NewSelector(fallback models.Protocol) *Selector {
	return &Selector{
		byProtocol: make(map[models.Protocol]Provisioner),
		fallback:   fallback,
	}
}

// Register adds an implementation for a protocol.
func (s *Selector) Register(p models.Protocol, prov Provisioner) {
	s.byProtocol[p] = prov
}

// For returns the implementation serving the protocol.
func (s *Selector) For(p models.Protocol) (Provisioner, error) {
	if p == "" {
		p = s.fallback
	}
	prov, ok := s.byProtocol[p]
	if !ok {
		return nil, fmt.Errorf("no provisioner registered for protocol %q", p)
	}
	return prov, nil
}
