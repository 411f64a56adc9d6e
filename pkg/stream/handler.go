package stream

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// StreamAppender is C5's zero-copy ingest entry point.
type StreamAppender interface {
	StreamAppend(ctx context.Context, batch []*reading.Reading, commit bool) error
}

// DropCounter is the management collaborator notified when a batch is
// dropped after a storage rejection (§4.6 back-pressure paragraph).
type DropCounter interface {
	StreamDropped(n int64)
}

// connState names the per-connection state machine stages (§4.6).
type connState int

const (
	stateListen connState = iota
	stateAwaitingToken
	stateConnected
)

// Handle represents one created stream: its listener and one-use
// token. Serve accepts a single connection and runs its
// read-decode-append cycle with a block pool created for that
// connection alone.
type Handle struct {
	description string
	token       uint32
	listener    net.Listener
	storage     StreamAppender
	drops       DropCounter
	log         *zap.Logger
}

// CreateStream implements core's create_stream(): it binds an ephemeral
// TCP listener and mints a random one-use token, per §4.6 step 1.
func CreateStream(description string, storage StreamAppender, drops DropCounter, log *zap.Logger) (*Handle, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("stream: listen: %w", err)
	}
	token, err := randomToken()
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &Handle{
		description: description,
		token:       token,
		listener:    ln,
		storage:     storage,
		drops:       drops,
		log:         log,
	}, nil
}

func randomToken() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Port is the ephemeral port the listener bound to.
func (h *Handle) Port() int {
	return h.listener.Addr().(*net.TCPAddr).Port
}

// Token is the one-use handshake token the client must present.
func (h *Handle) Token() uint32 { return h.token }

// Serve accepts exactly one connection (the protocol is a single
// producer per stream) and runs its read loop until it closes or ctx is
// cancelled. It is safe to call in its own goroutine.
func (h *Handle) Serve(ctx context.Context) error {
	defer h.listener.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := h.listener.Accept()
		accepted <- acceptResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-accepted:
		if res.err != nil {
			return res.err
		}
		return h.handleConnection(ctx, res.conn)
	}
}

func (h *Handle) handleConnection(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	r := bufio.NewReader(conn)
	state := stateListen

	state = stateAwaitingToken
	hs, err := readConnectionHandshake(r)
	if err != nil {
		h.log.Warn("stream: handshake read failed", zap.String("stream", h.description), zap.Error(err))
		return err
	}
	if hs.Magic != ConnectionMagic || hs.Token != h.token {
		h.log.Warn("stream: handshake rejected", zap.String("stream", h.description))
		return ErrBadConnectionMagic
	}
	state = stateConnected

	pool := NewBlockPool()
	prevAsset := ""
	for state == stateConnected {
		blkHdr, err := readBlockHeader(r)
		if err != nil {
			if isCleanEOF(err) {
				return nil
			}
			h.log.Warn("stream: malformed block header, closing connection",
				zap.String("stream", h.description), zap.Error(err))
			return err
		}

		block := pool.Get()
		for i := uint32(0); i < blkHdr.Count; i++ {
			wr, asset, err := readWireReading(r, prevAsset)
			if err != nil {
				pool.Release(block)
				h.log.Warn("stream: malformed reading, closing connection",
					zap.String("stream", h.description), zap.Error(err))
				return err
			}
			prevAsset = asset
			block.Readings[block.Count] = wr
			block.Count++

			if block.Count == RDSBlock {
				h.flushBlock(ctx, block)
				pool.Release(block)
				block = pool.Get()
			}
		}
		if block.Count > 0 {
			h.flushBlock(ctx, block)
		}
		pool.Release(block)
	}
	return nil
}

func isCleanEOF(err error) bool {
	return err.Error() == "EOF"
}

// flushBlock decodes the block's raw wire readings into domain
// Readings and hands them to storage with commit=true. It runs both
// when the reading array fills in the middle of a block and at block
// end, and every call commits; no call defers its commit to block end.
// A storage rejection drops the whole block and counts it, per the
// documented no-acknowledgement limitation in §4.6/§9.
func (h *Handle) flushBlock(ctx context.Context, block *Block) {
	batch := make([]*reading.Reading, 0, block.Count)
	for i := 0; i < block.Count; i++ {
		wr := block.Readings[i]
		r, err := decodeWireReading(wr)
		if err != nil {
			h.log.Warn("stream: reading payload decode failed, dropping reading",
				zap.String("stream", h.description), zap.Error(err))
			continue
		}
		batch = append(batch, r)
	}
	if len(batch) == 0 {
		return
	}

	if err := h.storage.StreamAppend(ctx, batch, true); err != nil {
		h.log.Warn("stream: storage rejected block, dropping",
			zap.String("stream", h.description), zap.Int("count", len(batch)), zap.Error(err))
		if h.drops != nil {
			h.drops.StreamDropped(int64(len(batch)))
		}
	}
}

// wireEnvelope reuses reading.FromJSON's decode path by assembling the
// same envelope shape from the wire header's asset/timestamp and the
// payload's raw datapoints object.
type wireEnvelope struct {
	Asset    string          `json:"asset"`
	UserTS   string          `json:"user_ts"`
	Readings json.RawMessage `json:"readings"`
}

func decodeWireReading(wr wireReading) (*reading.Reading, error) {
	env := wireEnvelope{
		Asset:    wr.Asset,
		UserTS:   wr.UserTS.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		Readings: wr.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return reading.FromJSON(data)
}
