//go:build linux

package ring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedRing owns the two mmap'd regions backing a Ring plus the file
// descriptors they were mapped from, so Close can tear both down.
type MappedRing struct {
	*Ring

	dataFile   *os.File
	headerFile *os.File
	dataMap    []byte
	headerMap  []byte
}

// CreateProducerSide creates (or truncates) the data and header files for
// one CPU's ring and maps them for producer use: data PROT_READ|PROT_WRITE
// (the producer is the only writer of data bytes), header
// PROT_READ|PROT_WRITE.
func CreateProducerSide(dataPath, headerPath string, capacity uint64) (*MappedRing, error) {
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ring: open data file: %w", err)
	}
	if err := dataFile.Truncate(int64(capacity)); err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("ring: truncate data file: %w", err)
	}

	headerFile, err := os.OpenFile(headerPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("ring: open header file: %w", err)
	}
	if err := headerFile.Truncate(int64(os.Getpagesize())); err != nil {
		dataFile.Close()
		headerFile.Close()
		return nil, fmt.Errorf("ring: truncate header file: %w", err)
	}

	dataMap, err := unix.Mmap(int(dataFile.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		dataFile.Close()
		headerFile.Close()
		return nil, fmt.Errorf("ring: mmap data region: %w", err)
	}

	headerMap, err := unix.Mmap(int(headerFile.Fd()), 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(dataMap)
		dataFile.Close()
		headerFile.Close()
		return nil, fmt.Errorf("ring: mmap header region: %w", err)
	}

	r, err := New(dataMap, headerMap, capacity, true)
	if err != nil {
		unix.Munmap(dataMap)
		unix.Munmap(headerMap)
		dataFile.Close()
		headerFile.Close()
		return nil, err
	}

	return &MappedRing{Ring: r, dataFile: dataFile, headerFile: headerFile, dataMap: dataMap, headerMap: headerMap}, nil
}

// OpenConsumerSide opens an existing ring's data and header files and maps
// them for consumer use: data region PROT_READ only (the kernel/producer
// side is the sole writer; this is the read-only mapping the ring contract
// requires of the consumer), header region PROT_READ|PROT_WRITE so the
// consumer can publish its own consumer_pos.
func OpenConsumerSide(dataPath, headerPath string, capacity uint64) (*MappedRing, error) {
	dataFile, err := os.OpenFile(dataPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("ring: open data file: %w", err)
	}
	headerFile, err := os.OpenFile(headerPath, os.O_RDWR, 0)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("ring: open header file: %w", err)
	}

	dataMap, err := unix.Mmap(int(dataFile.Fd()), 0, int(capacity), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		dataFile.Close()
		headerFile.Close()
		return nil, fmt.Errorf("ring: mmap data region: %w", err)
	}

	headerMap, err := unix.Mmap(int(headerFile.Fd()), 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(dataMap)
		dataFile.Close()
		headerFile.Close()
		return nil, fmt.Errorf("ring: mmap header region: %w", err)
	}

	r, err := New(dataMap, headerMap, capacity, false)
	if err != nil {
		unix.Munmap(dataMap)
		unix.Munmap(headerMap)
		dataFile.Close()
		headerFile.Close()
		return nil, err
	}

	return &MappedRing{Ring: r, dataFile: dataFile, headerFile: headerFile, dataMap: dataMap, headerMap: headerMap}, nil
}

// Close unmaps both regions and closes both file descriptors.
func (m *MappedRing) Close() error {
	var firstErr error
	if err := unix.Munmap(m.dataMap); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Munmap(m.headerMap); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.dataFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.headerFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
