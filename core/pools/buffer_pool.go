package pools

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// Buffer pool sizes
const (
	SmallBufferSize  = 2 * 1024  // headers and short text bodies
	MediumBufferSize = 8 * 1024  // typical JSON
	LargeBufferSize  = 32 * 1024 // larger payloads; anything bigger is not pooled
)

// BufferPool manages response buffers with three size tiers
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	smallHits  atomic.Uint64
	mediumHits atomic.Uint64
	largeHits  atomic.Uint64
	totalGets  atomic.Uint64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	bp.small.New = newBuffer(SmallBufferSize)
	bp.medium.New = newBuffer(MediumBufferSize)
	bp.large.New = newBuffer(LargeBufferSize)
	return bp
}

func newBuffer(size int) func() any {
	return func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
}

// Get acquires an empty buffer able to hold estimatedSize bytes without
// growing. Requests above LargeBufferSize get a fresh allocation.
func (bp *BufferPool) Get(estimatedSize int) *[]byte {
	bp.totalGets.Add(1)

	switch {
	case estimatedSize <= SmallBufferSize:
		bp.smallHits.Add(1)
		return bp.small.Get().(*[]byte)
	case estimatedSize <= MediumBufferSize:
		bp.mediumHits.Add(1)
		return bp.medium.Get().(*[]byte)
	case estimatedSize <= LargeBufferSize:
		bp.largeHits.Add(1)
		return bp.large.Get().(*[]byte)
	default:
		buf := make([]byte, 0, estimatedSize)
		return &buf
	}
}

// Put returns a buffer to the tier matching its capacity
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]

	switch c := cap(*buf); {
	case c < SmallBufferSize:
		// shrunk or foreign buffer, let the GC have it
	case c < MediumBufferSize:
		bp.small.Put(buf)
	case c < LargeBufferSize:
		bp.medium.Put(buf)
	case c <= 2*LargeBufferSize:
		bp.large.Put(buf)
	}
}

// Stats returns buffer pool statistics
func (bp *BufferPool) Stats() BufferStats {
	total := bp.totalGets.Load()
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(bp.smallHits.Load()+bp.mediumHits.Load()+bp.largeHits.Load()) / float64(total)
	}
	return BufferStats{
		SmallHits:  bp.smallHits.Load(),
		MediumHits: bp.mediumHits.Load(),
		LargeHits:  bp.largeHits.Load(),
		TotalGets:  total,
		HitRate:    hitRate,
	}
}

// BufferStats contains buffer pool statistics
type BufferStats struct {
	SmallHits  uint64
	MediumHits uint64
	LargeHits  uint64
	TotalGets  uint64
	HitRate    float64 // share of Gets served by a tier
}

var globalBufferPool = NewBufferPool()

// AcquireBuffer gets a buffer from the global pool
func AcquireBuffer(estimatedSize int) *[]byte {
	return globalBufferPool.Get(estimatedSize)
}

// ReleaseBuffer returns a buffer to the global pool
func ReleaseBuffer(buf *[]byte) {
	globalBufferPool.Put(buf)
}

// GetBufferStats returns statistics for the global buffer pool
func GetBufferStats() BufferStats {
	return globalBufferPool.Stats()
}

// BufioPool recycles per-connection bufio readers and writers
type BufioPool struct {
	readers sync.Pool
	writers sync.Pool
	size    int
}

// NewBufioPool creates a pool of readers and writers with size-byte buffers
func NewBufioPool(size int) *BufioPool {
	if size <= 0 {
		size = 4096
	}
	return &BufioPool{size: size}
}

// GetReader returns a reader wrapping r
func (p *BufioPool) GetReader(r io.Reader) *bufio.Reader {
	if br, ok := p.readers.Get().(*bufio.Reader); ok {
		br.Reset(r)
		return br
	}
	return bufio.NewReaderSize(r, p.size)
}

// PutReader releases br; it must not be used afterwards
func (p *BufioPool) PutReader(br *bufio.Reader) {
	br.Reset(nil)
	p.readers.Put(br)
}

// GetWriter returns a writer wrapping w
func (p *BufioPool) GetWriter(w io.Writer) *bufio.Writer {
	if bw, ok := p.writers.Get().(*bufio.Writer); ok {
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriterSize(w, p.size)
}

// PutWriter releases bw; it must not be used afterwards
func (p *BufioPool) PutWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	p.writers.Put(bw)
}
