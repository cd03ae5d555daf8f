package constants

import "time"

// Controller limits
const (
	// AERLimit is the number of Asynchronous Event Requests a controller
	// keeps outstanding. Reported to the host as AERL (0's based).
	AERLimit = 16

	// ChangedNSListEntries is the capacity of the Changed Namespace List log page
	ChangedNSListEntries = 1024

	// ChangedNSOverflow is written to the first changed-list entry once
	// more namespaces changed than the list can hold
	ChangedNSOverflow = 0xffffffff

	// IdentifyDataSize is the fixed payload size of every Identify response
	IdentifyDataSize = 4096

	// MaxActiveNamespaces is the number of NSIDs returned in an Active Namespace List
	MaxActiveNamespaces = IdentifyDataSize / 4

	// DefaultMaxControllers bounds controller IDs handed out per port
	DefaultMaxControllers = 2048

	// MaxControllerID is the largest valid static controller ID
	MaxControllerID = 0xffef

	// DefaultMaxIOQueueSize is the default MQES+1 advertised in CAP
	DefaultMaxIOQueueSize = 1024

	// MinAdminQueueSize is the smallest admin submission queue a host may connect
	MinAdminQueueSize = 32

	// MaxAdminQueueSize is the largest admin submission queue a host may connect
	MaxAdminQueueSize = 4096

	// MaxNQNLength is the longest NVMe Qualified Name, excluding the terminator
	MaxNQNLength = 223

	// DefaultLogicalBlockSize is the LBA size of memory namespaces
	DefaultLogicalBlockSize = 512
)

// Timing constants for the controller lifecycle
const (
	// TerminationGrace is how long a shut down controller waits for the
	// host to re-enable it before the association is torn down
	TerminationGrace = 2 * time.Minute

	// DrainPollInterval is the polling period while waiting for in-flight
	// commands to finish during shutdown
	DrainPollInterval = 10 * time.Millisecond

	// KeepAliveUnit is the granularity keep-alive intervals are rounded up to
	KeepAliveUnit = time.Second

	// KeepAliveGranularity is KAS in the Identify Controller data (100 ms units)
	KeepAliveGranularity = 10
)

// Memory allocation constants
const (
	// DataPageSize is the size of pooled buffers used for Identify and log page payloads
	DataPageSize = 4096

	// TaskQueueDepth is the per-controller background task backlog
	TaskQueueDepth = 8
)
