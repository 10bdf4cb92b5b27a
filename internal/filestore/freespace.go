package filestore

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// ReservedBlocks is the number of leading blocks holding the store headers.
const ReservedBlocks = 2

// FreeSpace tracks which blocks of the file are in use.
type FreeSpace struct {
	mu   sync.Mutex
	used *roaring.Bitmap
}

// NewFreeSpace returns a map with only the header blocks in use.
func NewFreeSpace() *FreeSpace {
	f := &FreeSpace{used: roaring.New()}
	f.used.AddRange(0, ReservedBlocks)
	return f
}

// MarkUsed marks count blocks starting at block as used.
func (f *FreeSpace) MarkUsed(block, count uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used.AddRange(block, block+count)
}

// Free releases count blocks starting at block. Header blocks stay reserved.
func (f *FreeSpace) Free(block, count uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := max(block, ReservedBlocks)
	if end := block + count; end > start {
		f.used.RemoveRange(start, end)
	}
}

// IsFree reports whether all count blocks starting at block are unused.
func (f *FreeSpace) IsFree(block, count uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isFree(block, count)
}

func (f *FreeSpace) isFree(block, count uint64) bool {
	if count == 0 {
		return true
	}
	if block < ReservedBlocks {
		return false
	}
	before := f.used.Rank(uint32(block - 1))
	return f.used.Rank(uint32(block+count-1)) == before
}

// Allocate reserves count contiguous blocks and returns the first one.
// preferred is used when it is free; otherwise the first fit wins.
func (f *FreeSpace) Allocate(count, preferred uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := preferred
	if !f.isFree(block, count) {
		block = f.firstFit(count)
	}
	f.used.AddRange(block, block+count)
	return block
}

// Predict returns the block Allocate(count, 0) would pick, without reserving it.
func (f *FreeSpace) Predict(count uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstFit(count)
}

func (f *FreeSpace) firstFit(count uint64) uint64 {
	var candidate uint64
	it := f.used.Iterator()
	for it.HasNext() {
		v := uint64(it.Next())
		if v >= candidate+count {
			return candidate
		}
		candidate = v + 1
	}
	return candidate
}

// FirstFree returns the first unused block.
func (f *FreeSpace) FirstFree() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstFit(1)
}

// End returns the block after the last used one.
func (f *FreeSpace) End() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.used.Maximum()) + 1
}

// UsedBlocks returns the number of used blocks, headers included.
func (f *FreeSpace) UsedBlocks() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.GetCardinality()
}

// FillRate returns the percentage of blocks in use up to End.
func (f *FreeSpace) FillRate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := uint64(f.used.Maximum()) + 1
	return int(f.used.GetCardinality() * 100 / total)
}

// Clear releases every block except the headers.
func (f *FreeSpace) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used.Clear()
	f.used.AddRange(0, ReservedBlocks)
}
