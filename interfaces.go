package nvmft

import (
	"github.com/ehrlich-b/go-nvmft/backend"
	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// QueuePair is a transport queue pair handed to the port after CONNECT.
// See internal/interfaces for the full contract.
type QueuePair = interfaces.QueuePair

// Capsule is a received command with its data buffer
type Capsule = interfaces.Capsule

// Dispatcher executes namespace commands for the port's controllers
type Dispatcher = interfaces.Dispatcher

// Command is a namespace command handed to a Dispatcher
type Command = interfaces.Command

// Completion is an NVMe completion queue entry
type Completion = nvme.Completion

// ConnectCommand holds the decoded fields of a Fabrics CONNECT
type ConnectCommand = nvme.ConnectCommand

// ConnectData is the 1024-byte CONNECT data
type ConnectData = nvme.ConnectData

// NamespaceManager is implemented by dispatchers that serve namespaces
// registered through the port. *backend.Dispatcher implements it.
type NamespaceManager interface {
	AddNamespace(nsid uint32, store backend.Store, blockSize uint32) (*backend.Namespace, error)
	RemoveNamespace(nsid uint32) (*backend.Namespace, error)
}

var _ NamespaceManager = (*backend.Dispatcher)(nil)
