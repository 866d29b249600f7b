package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// connectionPool manages a bounded pool of S3 client handles so concurrent
// sync-engine and VFS calls do not each pay client-construction cost.
type connectionPool struct {
	mu          sync.RWMutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	stats poolStats
}

type poolStats struct {
	Hits    int64
	Misses  int64
	Created int64
}

func newConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*connectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}
	return &connectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
	}, nil
}

// Get returns a pooled client, creating one if the pool has headroom and is
// momentarily empty.
func (p *connectionPool) Get() *s3.Client {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil
	}

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.mu.Unlock()
		return conn
	default:
		if p.canCreate() {
			conn, err := p.create()
			if err == nil {
				return conn
			}
		}
		p.mu.Lock()
		p.stats.Misses++
		p.mu.Unlock()
		conn, err := p.factory()
		if err != nil {
			return nil
		}
		return conn
	}
}

// Put returns conn to the pool, discarding it if the pool is full or closed.
func (p *connectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return
	}

	select {
	case p.connections <- conn:
	default:
		p.mu.Lock()
		p.currentSize--
		p.mu.Unlock()
	}
}

func (p *connectionPool) canCreate() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentSize < p.maxSize && !p.closed
}

func (p *connectionPool) create() (*s3.Client, error) {
	conn, err := p.factory()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.currentSize++
	p.stats.Created++
	p.mu.Unlock()
	return conn, nil
}

func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.connections)
	for range p.connections {
	}
	return nil
}

// warmup pre-fills the pool so the first real request doesn't pay
// client-construction latency.
func (p *connectionPool) warmup(ctx context.Context, count int) {
	if count <= 0 || count > p.maxSize {
		count = p.maxSize
	}
	for i := 0; i < count; i++ {
		conn, err := p.create()
		if err != nil {
			return
		}
		select {
		case p.connections <- conn:
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}
