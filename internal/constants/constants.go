package constants

// Scheduling constants
const (
	// DefaultBatchSize is the item count below which a phase runs serially
	DefaultBatchSize = 500

	// MaxChunkWorkers caps the number of parallel chunks per phase
	MaxChunkWorkers = 8

	// FindNewMinChunk is the minimum number of base folders handed to one worker
	FindNewMinChunk = 2
)

// Checksum constants
const (
	// DefaultRetryBudget is how many times a hash is retried when the file moves under us
	DefaultRetryBudget = 2

	// DefaultHashBufferSize is the read buffer used for full-content hashing (1MB)
	DefaultHashBufferSize = 1024 * 1024

	// LargeFileCacheRelease is the size above which page cache is dropped after hashing (1GB)
	LargeFileCacheRelease = 1073741824

	// DefaultHashAlgorithm is the content digest used for profiles
	DefaultHashAlgorithm = "md5"
)

// Classification constants
const (
	// DefaultStaleDays is the window after which an unchanged file is reported as not regularly updated
	DefaultStaleDays = 5

	// StealthSizeDelta is the byte delta under which a content change is flagged as a possible stealth edit
	StealthSizeDelta = 12

	// MissRateWarnPercent is the share of vanished profile files that triggers a rebuild recommendation
	MissRateWarnPercent = 30.0
)

// Progress tracking constants
const (
	// ProgressMilestones is the number of percentage steps reported per phase
	ProgressMilestones = 10

	// MaxStoredErrors is the maximum number of errors to keep in memory
	MaxStoredErrors = 1000

	// ErrorSliceCapacity is the initial capacity for error slices
	ErrorSliceCapacity = 100
)

// Store constants
const (
	// TimestampLayout is the text form of every timestamp column
	TimestampLayout = "2006-01-02 15:04:05"

	// InsertBatchSize is how many records are buffered before a flush into the open transaction
	InsertBatchSize = 1000
)

// Exit codes returned by the CLI
const (
	ExitOK = 0

	// ExitFailure covers I/O-fatal and pool-fatal conditions
	ExitFailure = 1

	// ExitSyncFailed means the store transaction could not be committed
	ExitSyncFailed = 4

	// ExitNoProfile means a scan was requested before any profile was built
	ExitNoProfile = 7

	// ExitResealFailed means the store was persisted but sealing it again failed
	ExitResealFailed = 52
)

// Layered profile constants
const (
	// DefaultLayerRoot holds the read-only overlay images of a layered system
	DefaultLayerRoot = "/mnt/live/memory/images"
)

// Configuration constants
const (
	// PatternCacheSize bounds the memoized results of exclusion pattern matching
	PatternCacheSize = 10000
)
