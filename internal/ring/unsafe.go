package ring

import "unsafe"

// ptr64 and ptr32 reinterpret the first 8 (or 4) bytes of a byte slice
// backed by mmap'd memory as an atomic target. Slice-backed addresses are
// stable for the lifetime of the mapping, which is what makes this safe;
// the teacher's queue runner relies on the same property when converting
// mmap'd descriptor memory to typed pointers.
//
//go:noinline
func ptr64(b []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[0]))
}

//go:noinline
func ptr32(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}
