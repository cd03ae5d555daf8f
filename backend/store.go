package backend

import "io"

// Store is the storage behind one namespace
type Store interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the capacity in bytes
	Size() int64

	// Flush commits any volatile data
	Flush() error
}

// Discarder is implemented by stores that can deallocate ranges
type Discarder interface {
	Discard(offset, length int64) error
}

// ZeroWriter is implemented by stores with an efficient zero fill
type ZeroWriter interface {
	WriteZeroes(offset, length int64) error
}
