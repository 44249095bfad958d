// Package bufpool provides size-classed *bytes.Buffer reuse for the HTTP
// control API's JSON response encoding, grounded on the teacher's
// pkg/websocket MessagePool (small/medium/large sync.Pool buckets), adapted
// from a raw []byte scratch buffer to bytes.Buffer since every caller here
// is an encoding/json.Encoder target rather than a manual byte-copy.
package bufpool

import (
	"bytes"
	"sync"
)

const (
	small  = 256
	medium = 1024
	large  = 4096
)

// Pool buckets *bytes.Buffer by size class: Get picks a bucket from its
// hint, and Put files a buffer by its current capacity, so typical response
// sizes keep reusing right-sized buffers instead of a single pool growing to
// the high-water mark.
type Pool struct {
	smallPool  sync.Pool
	mediumPool sync.Pool
	largePool  sync.Pool
}

// New builds an empty pool.
func New() *Pool {
	return &Pool{
		smallPool:  sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, small)) }},
		mediumPool: sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, medium)) }},
		largePool:  sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, large)) }},
	}
}

// Get returns an empty buffer sized for at least hint bytes.
func (p *Pool) Get(hint int) *bytes.Buffer {
	var buf *bytes.Buffer
	switch {
	case hint <= small:
		buf = p.smallPool.Get().(*bytes.Buffer)
	case hint <= medium:
		buf = p.mediumPool.Get().(*bytes.Buffer)
	default:
		buf = p.largePool.Get().(*bytes.Buffer)
	}
	buf.Reset()
	return buf
}

// Put returns buf to its size class. Buffers that grew past the large
// class are dropped rather than pooled, so one oversized frame can't keep
// pinning a large allocation in the pool forever.
func (p *Pool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	switch c := buf.Cap(); {
	case c <= small:
		p.smallPool.Put(buf)
	case c <= medium:
		p.mediumPool.Put(buf)
	case c <= large:
		p.largePool.Put(buf)
	}
}
