package manifest

// Compile-time assertions to lock on-disk constants.
// These MUST fail to compile if values change.

const (
	_ = uint8(1) / (uint8(1) - (RecordTypeCommit ^ 0x01))
	_ = uint8(1) / (uint8(1) - (RecordTypeCheckpoint ^ 0x02))
	_ = uint8(1) / (uint8(1) - (RecordTypeClose ^ 0x03))
	_ = uint8(1) / (uint8(1) - (formatVersion ^ 0x01))
)
