package nvmft

import "github.com/ehrlich-b/go-nvmft/internal/constants"

// Re-export constants for public API
const (
	AERLimit                = constants.AERLimit
	ChangedNSListEntries    = constants.ChangedNSListEntries
	DefaultMaxControllers   = constants.DefaultMaxControllers
	MaxControllerID         = constants.MaxControllerID
	DefaultMaxIOQueueSize   = constants.DefaultMaxIOQueueSize
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	TerminationGrace        = constants.TerminationGrace
	KeepAliveUnit           = constants.KeepAliveUnit
)
