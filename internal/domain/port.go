package domain

import "time"

// PortOwner enumerates the subsystems a port can be allocated to.
type PortOwner string

const (
	OwnerZmqData     PortOwner = "zmq-data"
	OwnerZmqCommand  PortOwner = "zmq-command"
	OwnerWebProxy    PortOwner = "webrequest-proxy"
	OwnerAgentMT     PortOwner = "agent-mt"
	OwnerAgentCT     PortOwner = "agent-ct"
	OwnerZmqControl  PortOwner = "zmq-control"
)

// PortAllocation records a single port's ownership in the PortManager
// registry. At most one allocation exists per port; Release is idempotent.
type PortAllocation struct {
	Port        int       `json:"port"`
	Owner       PortOwner `json:"owner"`
	Label       string    `json:"label"`
	AllocatedAt time.Time `json:"allocatedAt"`
	Verified    bool      `json:"verified"`
}

// PortConflict describes why an allocation request was refused.
type PortConflict struct {
	Port         int
	ExistingItem PortAllocation
}

func (c *PortConflict) Error() string {
	return "port already allocated"
}
