// Package compactext4 writes a compact, single-pass ext4 filesystem image:
// no holes, no fragmentation, one block group's worth of metadata per
// group, most suited for a rootfs whose full contents are already known
// before the image is created. It plays the role libext2fs plays in the
// original implementation, adapted to pure Go since no cgo libext2fs
// binding exists in this module's dependency surface.
package compactext4

import "encoding/binary"

// On-disk geometry. A single, fixed block size keeps size estimation and
// the group layout simple; bux never needs anything bigger than a rootfs
// disk in the low gigabytes.
const (
	BlockSize      = 4096
	InodeSize      = 256
	BlocksPerGroup = BlockSize * 8 // one bit per block in a block-sized bitmap
	InodesPerGroup = BlockSize * 8

	RootInode       = 2
	LostFoundInode  = 11
	FirstFreeInode  = 12

	MagicSuperblock = 0xEF53
)

// Mode bits, POSIX-standard values reused directly (format constants, not
// implementation — every ext4 writer in existence hardcodes the same
// numbers).
const (
	ModeFIFO   = 0o010000
	ModeChar   = 0o020000
	ModeDir    = 0o040000
	ModeBlock  = 0o060000
	ModeRegular = 0o100000
	ModeSymlink = 0o120000
	ModeSocket  = 0o140000
	ModeTypeMask = 0o170000
)

// FileType distinguishes the kinds of entries Writer accepts.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
)

// superblock holds the subset of ext4's superblock fields a compact,
// single-group-aware writer needs to populate. Unlisted fields are left at
// their conventional defaults by the encoder.
type superblock struct {
	InodesCount      uint32
	BlocksCountLo    uint32
	FreeBlocksCountLo uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	Magic            uint16
	State            uint16
	InodeSize        uint16
	FeatureIncompat  uint32
	FeatureCompat    uint32
	FeatureRoCompat  uint32
	VolumeName       [16]byte
}

func (sb superblock) encode() []byte {
	buf := make([]byte, 1024)
	binary.LittleEndian.PutUint32(buf[0:4], sb.InodesCount)
	binary.LittleEndian.PutUint32(buf[4:8], sb.BlocksCountLo)
	binary.LittleEndian.PutUint32(buf[12:16], sb.FreeBlocksCountLo)
	binary.LittleEndian.PutUint32(buf[16:20], sb.FreeInodesCount)
	binary.LittleEndian.PutUint32(buf[20:24], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(buf[24:28], sb.LogBlockSize)
	binary.LittleEndian.PutUint32(buf[32:36], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(buf[40:44], sb.InodesPerGroup)
	binary.LittleEndian.PutUint16(buf[56:58], sb.Magic)
	binary.LittleEndian.PutUint16(buf[58:60], sb.State)
	binary.LittleEndian.PutUint16(buf[88:90], sb.InodeSize)
	binary.LittleEndian.PutUint32(buf[96:100], sb.FeatureCompat)
	binary.LittleEndian.PutUint32(buf[100:104], sb.FeatureIncompat)
	binary.LittleEndian.PutUint32(buf[104:108], sb.FeatureRoCompat)
	copy(buf[120:136], sb.VolumeName[:])
	return buf
}

// groupDesc is a single block-group descriptor.
type groupDesc struct {
	BlockBitmapLo uint32
	InodeBitmapLo uint32
	InodeTableLo  uint32
	FreeBlocksLo  uint16
	FreeInodesLo  uint16
	UsedDirsLo    uint16
}

func (g groupDesc) encode() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:4], g.BlockBitmapLo)
	binary.LittleEndian.PutUint32(buf[4:8], g.InodeBitmapLo)
	binary.LittleEndian.PutUint32(buf[8:12], g.InodeTableLo)
	binary.LittleEndian.PutUint16(buf[12:14], g.FreeBlocksLo)
	binary.LittleEndian.PutUint16(buf[14:16], g.FreeInodesLo)
	binary.LittleEndian.PutUint16(buf[16:18], g.UsedDirsLo)
	return buf
}

// rawInode is the on-disk inode layout, a reduced version of ext4's 256
// byte inode using classic block pointers: 12 direct, one single indirect
// (Block[12]) and one double indirect (Block[13]); the triple indirect slot
// is unused. That bounds a single file to 12 + 1024 + 1024*1024 blocks
// (~4GiB at a 4096 block size) — ample for anything bux puts inside a
// rootfs disk.
type rawInode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	Block      [15]uint32 // 12 direct, 1 single/double/triple indirect
	SizeHi     uint32
}

func (n rawInode) encode() []byte {
	buf := make([]byte, InodeSize)
	binary.LittleEndian.PutUint16(buf[0:2], n.Mode)
	binary.LittleEndian.PutUint16(buf[2:4], n.UID)
	binary.LittleEndian.PutUint32(buf[4:8], n.SizeLo)
	binary.LittleEndian.PutUint32(buf[8:12], n.Atime)
	binary.LittleEndian.PutUint32(buf[12:16], n.Ctime)
	binary.LittleEndian.PutUint32(buf[16:20], n.Mtime)
	binary.LittleEndian.PutUint32(buf[20:24], n.Dtime)
	binary.LittleEndian.PutUint16(buf[24:26], n.GID)
	binary.LittleEndian.PutUint16(buf[26:28], n.LinksCount)
	binary.LittleEndian.PutUint32(buf[28:32], n.BlocksLo)
	binary.LittleEndian.PutUint32(buf[32:36], n.Flags)
	for i, b := range n.Block {
		binary.LittleEndian.PutUint32(buf[40+i*4:44+i*4], b)
	}
	binary.LittleEndian.PutUint32(buf[108:112], n.SizeHi)
	return buf
}

// direntType maps FileType to ext4's directory-entry file-type byte.
func direntType(t FileType) byte {
	switch t {
	case TypeRegular:
		return 1
	case TypeDirectory:
		return 2
	case TypeCharDevice:
		return 3
	case TypeBlockDevice:
		return 4
	case TypeFIFO:
		return 5
	case TypeSocket:
		return 6
	case TypeSymlink:
		return 7
	default:
		return 0
	}
}
