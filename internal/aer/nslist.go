package aer

import "encoding/binary"

// Overflow is stored in the first entry once the list has overflowed
const Overflow = 0xffffffff

// InsertResult describes what Insert did
type InsertResult int

const (
	Inserted   InsertResult = iota // nsid added
	Duplicate                      // nsid already present
	Overflowed                     // list was full and now holds only the sentinel
	Frozen                         // list already overflowed, nothing tracked
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Overflowed:
		return "overflowed"
	case Frozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// NSList is a sorted, deduplicated, fixed-capacity list of namespace IDs
// with the layout of the Changed Namespace List log page: unused entries
// are zero and an overflowed list holds Overflow in entry 0.
type NSList struct {
	ns []uint32
}

// NewNSList creates an empty list of the given capacity
func NewNSList(capacity int) *NSList {
	return &NSList{ns: make([]uint32, capacity)}
}

// Insert records nsid in ascending order
func (l *NSList) Insert(nsid uint32) InsertResult {
	if l.ns[0] == Overflow {
		return Frozen
	}

	i := 0
	for ; i < len(l.ns); i++ {
		if l.ns[i] == nsid {
			return Duplicate
		}
		if l.ns[i] == 0 || l.ns[i] > nsid {
			break
		}
	}

	if l.IsFull() {
		l.Clear()
		l.ns[0] = Overflow
		return Overflowed
	}

	copy(l.ns[i+1:], l.ns[i:len(l.ns)-1])
	l.ns[i] = nsid
	return Inserted
}

// IsFull reports whether every entry is in use
func (l *NSList) IsFull() bool {
	return l.ns[len(l.ns)-1] != 0
}

// Overflowed reports whether the list holds the overflow sentinel
func (l *NSList) Overflowed() bool {
	return l.ns[0] == Overflow
}

// Clear empties the list, including the overflow sentinel
func (l *NSList) Clear() {
	clear(l.ns)
}

// Len returns the number of entries in use
func (l *NSList) Len() int {
	for i, v := range l.ns {
		if v == 0 {
			return i
		}
	}
	return len(l.ns)
}

// Entries returns a copy of the entries in use
func (l *NSList) Entries() []uint32 {
	out := make([]uint32, l.Len())
	copy(out, l.ns)
	return out
}

// Size returns the encoded size in bytes
func (l *NSList) Size() int {
	return len(l.ns) * 4
}

// MarshalBinary encodes the list as little-endian 32-bit entries
func (l *NSList) MarshalBinary() ([]byte, error) {
	buf := make([]byte, l.Size())
	for i, v := range l.ns {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf, nil
}
