package msctest

import (
	"io"
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// MemoryStorage is the block medium of a Disk.
type MemoryStorage struct {
	data      []byte
	blockSize uint32
	readOnly  bool
	present   bool
	mutex     sync.RWMutex
}

// NewMemoryStorage creates a zeroed medium of blocks blocks of blockSize
// bytes.
func NewMemoryStorage(blocks, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, uint64(blocks)*uint64(blockSize)),
		blockSize: blockSize,
		present:   true,
	}
}

// BlockSize returns the block size.
func (m *MemoryStorage) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the number of blocks.
func (m *MemoryStorage) BlockCount() uint32 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return uint32(uint64(len(m.data)) / uint64(m.blockSize))
}

// Read copies blocks starting at lba into buf.
func (m *MemoryStorage) Read(lba uint32, blocks uint32, buf []byte) (uint32, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	offset, length, err := m.span(lba, blocks)
	if err != nil {
		return 0, err
	}
	if uint64(len(buf)) < length {
		return 0, io.ErrShortBuffer
	}

	copy(buf, m.data[offset:offset+length])
	return blocks, nil
}

// Write copies blocks from buf starting at lba.
func (m *MemoryStorage) Write(lba uint32, blocks uint32, buf []byte) (uint32, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.readOnly {
		return 0, pkg.ErrWriteProtected
	}
	offset, length, err := m.span(lba, blocks)
	if err != nil {
		return 0, err
	}
	if uint64(len(buf)) < length {
		return 0, io.ErrShortBuffer
	}

	copy(m.data[offset:offset+length], buf)
	return blocks, nil
}

func (m *MemoryStorage) span(lba, blocks uint32) (uint64, uint64, error) {
	if !m.present {
		return 0, 0, io.EOF
	}
	offset := uint64(lba) * uint64(m.blockSize)
	length := uint64(blocks) * uint64(m.blockSize)
	if offset+length > uint64(len(m.data)) {
		return 0, 0, io.EOF
	}
	return offset, length, nil
}

// Block returns a copy of the block at lba.
func (m *MemoryStorage) Block(lba uint32) []byte {
	buf := make([]byte, m.blockSize)
	if _, err := m.Read(lba, 1, buf); err != nil {
		return nil
	}
	return buf
}

// IsReadOnly returns whether the medium is write protected.
func (m *MemoryStorage) IsReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the write-protect flag.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// IsPresent returns whether the medium is present.
func (m *MemoryStorage) IsPresent() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.present
}

// SetPresent inserts or removes the medium.
func (m *MemoryStorage) SetPresent(present bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.present = present
}
