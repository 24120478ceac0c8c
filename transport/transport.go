package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
)

// Driver is one physical transport: the skeleton that receives for its
// address type and the factory that builds stubs for it.
type Driver interface {
	// Start runs the driver until ctx is done or it fails.
	Start(ctx context.Context) error
	Shutdown() error
	Meta() Metadata
	Skeleton() *messaging.Skeleton
	Factory() messaging.StubFactory
}

type Metadata struct {
	Name        string            // Human-friendly name, e.g., "WebSocket Gateway"
	Type        proto.AddressType // Address type served
	Protocol    string            // Protocol name, e.g., "websocket", "http", "mqtt"
	Address     string            // Bind or local address, if any
	Description string            // Optional, short purpose/use case

	Clients    int  // Current connected peers or bound endpoints
	MaxClients int  // Max allowed peers (0 if not applicable)
	Connected  bool // Whether the driver is currently running
	Ready      bool // Whether the stub factory has all its configuration
}

// GenerateID returns a random id with a readable prefix, e.g. "ws-<uuid>".
func GenerateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
