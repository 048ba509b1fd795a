package placement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/stream-matchmaker/stream-matchmaker/internal/contracts"
)

// ErrProvisionUnavailable means the provisioning collaborator answered but
// cannot supply a server right now.
var ErrProvisionUnavailable = errors.New("provisioning unavailable")

// ProvisionedServer describes a render server supplied by the collaborator.
type ProvisionedServer struct {
	ID          string `json:"server_id"`
	MaxCapacity int    `json:"max_capacity"`
	Addr        string `json:"addr,omitempty"`
}

// Provisioner requests a new render server when the fleet is saturated. The
// call may take seconds to minutes; implementations must honor ctx.
type Provisioner interface {
	RequestServer(ctx context.Context) (ProvisionedServer, error)
}

type provisionReply struct {
	Available bool   `json:"available"`
	ServerID  string `json:"server_id"`
	MaxCap    int    `json:"max_capacity"`
	Addr      string `json:"addr,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NATSProvisioner talks to the worker-fleet controller over NATS
// request/reply.
type NATSProvisioner struct {
	nc *nats.Conn
}

func NewNATSProvisioner(nc *nats.Conn) *NATSProvisioner {
	return &NATSProvisioner{nc: nc}
}

func (p *NATSProvisioner) RequestServer(ctx context.Context) (ProvisionedServer, error) {
	msg, err := p.nc.RequestWithContext(ctx, contracts.SubjectProvisionRequest, nil)
	if err != nil {
		return ProvisionedServer{}, fmt.Errorf("provision request: %w", err)
	}

	var reply provisionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return ProvisionedServer{}, fmt.Errorf("decode provision reply: %w", err)
	}
	if !reply.Available {
		if reply.Reason != "" {
			return ProvisionedServer{}, fmt.Errorf("%w: %s", ErrProvisionUnavailable, reply.Reason)
		}
		return ProvisionedServer{}, ErrProvisionUnavailable
	}
	if reply.ServerID == "" || reply.MaxCap <= 0 {
		return ProvisionedServer{}, fmt.Errorf("invalid provision reply: id=%q capacity=%d", reply.ServerID, reply.MaxCap)
	}
	return ProvisionedServer{ID: reply.ServerID, MaxCapacity: reply.MaxCap, Addr: reply.Addr}, nil
}
