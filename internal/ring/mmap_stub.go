//go:build !linux

package ring

import "errors"

// ErrUnsupportedPlatform is returned by the mmap-backed constructors on
// platforms without the Linux mmap/ublk-style shared memory model this
// tracer depends on.
var ErrUnsupportedPlatform = errors.New("ring: mmap-backed rings require linux")

// MappedRing is the non-linux stand-in; its constructors always fail.
type MappedRing struct{ *Ring }

func CreateProducerSide(dataPath, headerPath string, capacity uint64) (*MappedRing, error) {
	return nil, ErrUnsupportedPlatform
}

func OpenConsumerSide(dataPath, headerPath string, capacity uint64) (*MappedRing, error) {
	return nil, ErrUnsupportedPlatform
}

func (m *MappedRing) Close() error { return nil }
