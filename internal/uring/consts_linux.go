//go:build linux

package uring

// Opcodes.
const (
	OpNop         uint8 = 0
	OpFsync       uint8 = 3
	OpTimeout     uint8 = 11
	OpAsyncCancel uint8 = 14
	OpClose       uint8 = 19
	OpRead        uint8 = 22
	OpWrite       uint8 = 23

	// opLast bounds the probe buffer.
	opLast = 256
)

// SQE flags.
const (
	SQEIOLink     uint8 = 1 << 2
	SQEIOHardlink uint8 = 1 << 3
)

// FsyncDatasync limits an fsync to data and the metadata needed to
// retrieve it.
const FsyncDatasync uint32 = 1

// Feature bits reported by io_uring_setup.
const (
	FeatSingleMmap uint32 = 1 << 0
	FeatExtArg     uint32 = 1 << 8
)

const (
	enterGetEvents uint32 = 1 << 0
	enterExtArg    uint32 = 1 << 3

	registerProbe = 8

	opSupported uint16 = 1 << 0

	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000
)
