// Package stream implements the stream handler (C6): a non-HTTP,
// low-overhead binary ingress for high-rate south services. Each
// created stream gets its own listener socket, a one-use token
// handshake, and a block-framed reading protocol read by a single
// per-connection I/O goroutine.
package stream

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// Fixed 32-bit sentinels framing the wire protocol, little-endian
// throughout (§4.6, glossary "Stream ingress protocol").
const (
	ConnectionMagic uint32 = 0x52445331 // "RDS1"
	BlockMagic      uint32 = 0x424c4b31 // "BLK1"
	ReadingMagic    uint32 = 0x52444731 // "RDG1"
)

// RDSBlock is the default fixed-size reading array per block, per
// §4.6 ("size = RDS_BLOCK, e.g. 100").
const RDSBlock = 100

var (
	ErrBadConnectionMagic = errors.New("stream: bad connection magic")
	ErrBadTokenMismatch   = errors.New("stream: token mismatch")
	ErrBadBlockMagic      = errors.New("stream: bad block magic")
	ErrBadReadingMagic    = errors.New("stream: bad reading magic")
)

// ConnectionHandshake is the client's opening frame.
type ConnectionHandshake struct {
	Magic uint32
	Token uint32
}

func readConnectionHandshake(r io.Reader) (ConnectionHandshake, error) {
	var raw [8]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return ConnectionHandshake{}, err
	}
	return ConnectionHandshake{
		Magic: binary.LittleEndian.Uint32(raw[0:4]),
		Token: binary.LittleEndian.Uint32(raw[4:8]),
	}, nil
}

// BlockHeader precedes Count readings.
type BlockHeader struct {
	Magic   uint32
	BlockNo uint32
	Count   uint32
}

func readBlockHeader(r io.Reader) (BlockHeader, error) {
	var raw [12]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return BlockHeader{}, err
	}
	h := BlockHeader{
		Magic:   binary.LittleEndian.Uint32(raw[0:4]),
		BlockNo: binary.LittleEndian.Uint32(raw[4:8]),
		Count:   binary.LittleEndian.Uint32(raw[8:12]),
	}
	if h.Magic != BlockMagic {
		return h, ErrBadBlockMagic
	}
	return h, nil
}

// ReadingHeader precedes one reading's timestamp, asset bytes, and
// payload bytes. AssetLen==0 means reuse the previous reading's asset
// name within this connection.
type ReadingHeader struct {
	Magic      uint32
	AssetLen   uint32
	PayloadLen uint32
}

func readReadingHeader(r io.Reader) (ReadingHeader, error) {
	var raw [12]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return ReadingHeader{}, err
	}
	h := ReadingHeader{
		Magic:      binary.LittleEndian.Uint32(raw[0:4]),
		AssetLen:   binary.LittleEndian.Uint32(raw[4:8]),
		PayloadLen: binary.LittleEndian.Uint32(raw[8:12]),
	}
	if h.Magic != ReadingMagic {
		return h, ErrBadReadingMagic
	}
	return h, nil
}

// timeval is the wire representation of a reading's user timestamp:
// seconds and microseconds, both little-endian int64/int32 per the
// original C ABI this protocol descends from.
type timeval struct {
	Sec  int64
	USec int32
}

func readTimeval(r io.Reader) (time.Time, error) {
	var raw [12]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return time.Time{}, err
	}
	tv := timeval{
		Sec:  int64(binary.LittleEndian.Uint64(raw[0:8])),
		USec: int32(binary.LittleEndian.Uint32(raw[8:12])),
	}
	return time.Unix(tv.Sec, int64(tv.USec)*1000).UTC(), nil
}

// wireReading is one decoded reading body: asset name (possibly
// inherited from the previous reading) and a raw JSON payload holding
// the datapoints object (the "readings" member of the envelope that
// reading.ToJSON produces).
type wireReading struct {
	Asset   string
	UserTS  time.Time
	Payload []byte
}

func readWireReading(r io.Reader, prevAsset string) (wireReading, string, error) {
	hdr, err := readReadingHeader(r)
	if err != nil {
		return wireReading{}, prevAsset, err
	}
	ts, err := readTimeval(r)
	if err != nil {
		return wireReading{}, prevAsset, err
	}

	asset := prevAsset
	if hdr.AssetLen > 0 {
		buf := make([]byte, hdr.AssetLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return wireReading{}, prevAsset, err
		}
		asset = string(buf)
	}

	payload := make([]byte, hdr.PayloadLen)
	if hdr.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return wireReading{}, asset, err
		}
	}

	return wireReading{Asset: asset, UserTS: ts, Payload: payload}, asset, nil
}
