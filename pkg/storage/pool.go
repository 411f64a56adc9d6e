// Package storage implements the reading buffer (C5): append-on-write
// persistence with monotonic ids, id-range fetch, age/row/asset purge,
// and the stream-append path used by the binary ingest protocol. The
// connection pool below is adapted from the teacher's
// pkg/pool.Pool (idle/in-use bookkeeping under a single lock, LIFO
// reuse, background health checks) and specialized to retry
// lock/busy SQL errors with linear back-off and to run a periodic
// vacuum, per spec §4.5.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolClosed    = errors.New("storage: connection pool is closed")
	ErrPoolExhausted = errors.New("storage: connection pool exhausted")
)

// PoolConfig configures the reading-buffer connection pool.
type PoolConfig struct {
	MaxSize        int
	AcquireTimeout time.Duration
	VacuumPeriod   time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:        20,
		AcquireTimeout: 5 * time.Second,
		VacuumPeriod:   time.Hour,
		MaxRetries:     5,
		RetryBackoff:   50 * time.Millisecond,
	}
}

// pool tracks idle and in-use connections under two locks, as the spec's
// design notes (§9) observe the source does; no code path here holds
// both locks at once, each is released before the other is taken.
type pool struct {
	db     *sql.DB
	config PoolConfig

	idleMu sync.Mutex
	idle   []*sql.Conn

	inUseMu sync.Mutex
	inUse   map[*sql.Conn]struct{}

	waitMu  sync.Mutex
	waiting []chan *sql.Conn

	size   int
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newPool(db *sql.DB, config PoolConfig) *pool {
	p := &pool{
		db:     db,
		config: config,
		inUse:  make(map[*sql.Conn]struct{}),
		stopCh: make(chan struct{}),
	}
	if config.VacuumPeriod > 0 {
		p.wg.Add(1)
		go p.vacuumLoop()
	}
	return p
}

func (p *pool) acquire(ctx context.Context) (*sql.Conn, error) {
	p.idleMu.Lock()
	if p.closed {
		p.idleMu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.idleMu.Unlock()
		p.markInUse(conn)
		return conn, nil
	}
	if p.size < p.config.MaxSize {
		p.size++
		p.idleMu.Unlock()
		conn, err := p.db.Conn(ctx)
		if err != nil {
			p.idleMu.Lock()
			p.size--
			p.idleMu.Unlock()
			return nil, err
		}
		p.markInUse(conn)
		return conn, nil
	}
	p.idleMu.Unlock()

	waitCh := make(chan *sql.Conn, 1)
	p.waitMu.Lock()
	p.waiting = append(p.waiting, waitCh)
	p.waitMu.Unlock()

	timeout := p.config.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-waitCh:
		if conn == nil {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pool) markInUse(conn *sql.Conn) {
	p.inUseMu.Lock()
	p.inUse[conn] = struct{}{}
	p.inUseMu.Unlock()
}

func (p *pool) release(conn *sql.Conn) {
	p.inUseMu.Lock()
	delete(p.inUse, conn)
	p.inUseMu.Unlock()

	p.waitMu.Lock()
	if len(p.waiting) > 0 {
		ch := p.waiting[0]
		p.waiting = p.waiting[1:]
		p.waitMu.Unlock()
		ch <- conn
		return
	}
	p.waitMu.Unlock()

	p.idleMu.Lock()
	if p.closed {
		p.idleMu.Unlock()
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.idleMu.Unlock()
}

func (p *pool) close() error {
	p.idleMu.Lock()
	if p.closed {
		p.idleMu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.idleMu.Unlock()

	close(p.stopCh)
	for _, c := range idle {
		c.Close()
	}

	p.waitMu.Lock()
	for _, ch := range p.waiting {
		close(ch)
	}
	p.waiting = nil
	p.waitMu.Unlock()

	p.wg.Wait()
	return p.db.Close()
}

func (p *pool) vacuumLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.VacuumPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = p.db.Exec("VACUUM")
		case <-p.stopCh:
			return
		}
	}
}

// withRetry retries fn up to config.MaxRetries times with linear
// back-off when fn reports a lock/busy condition, per spec §4.5/§7.
func withRetry(ctx context.Context, config PoolConfig, isLockBusy func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !isLockBusy(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * config.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
