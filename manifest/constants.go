package manifest

// Record type constants.
// THESE ARE PART OF THE ON-DISK FORMAT.
// Changing numeric values BREAKS compatibility.
const (
	// RecordTypeCommit is written by every committed write transaction.
	RecordTypeCommit uint8 = 0x01

	// RecordTypeCheckpoint carries free-space changes made by compaction
	// without a new tree version.
	RecordTypeCheckpoint uint8 = 0x02

	// RecordTypeClose is the last record of a clean shutdown.
	RecordTypeClose uint8 = 0x03
)

const formatVersion uint8 = 1

// headerSize is [hash u64][length u32].
const headerSize = 12
