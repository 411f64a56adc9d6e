package stream

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeHandshake(buf *bytes.Buffer, magic, token uint32) {
	var raw [8]byte
	binary.LittleEndian.PutUint32(raw[0:4], magic)
	binary.LittleEndian.PutUint32(raw[4:8], token)
	buf.Write(raw[:])
}

func TestReadConnectionHandshake(t *testing.T) {
	var buf bytes.Buffer
	writeHandshake(&buf, ConnectionMagic, 0xdeadbeef)

	hs, err := readConnectionHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, ConnectionMagic, hs.Magic)
	require.EqualValues(t, 0xdeadbeef, hs.Token)
}

func TestReadBlockHeaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw[0:4], 0xbad)
	buf.Write(raw)

	_, err := readBlockHeader(&buf)
	require.ErrorIs(t, err, ErrBadBlockMagic)
}

func writeReadingFrame(buf *bytes.Buffer, assetLen, payloadLen uint32, ts time.Time, asset string, payload []byte) {
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], ReadingMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], assetLen)
	binary.LittleEndian.PutUint32(hdr[8:12], payloadLen)
	buf.Write(hdr)

	tv := make([]byte, 12)
	binary.LittleEndian.PutUint64(tv[0:8], uint64(ts.Unix()))
	binary.LittleEndian.PutUint32(tv[8:12], uint32(ts.Nanosecond()/1000))
	buf.Write(tv)

	if assetLen > 0 {
		buf.WriteString(asset)
	}
	buf.Write(payload)
}

func TestReadWireReadingReusesPreviousAssetWhenZeroLen(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now().UTC()
	writeReadingFrame(&buf, 0, 2, now, "", []byte("{}"))

	wr, asset, err := readWireReading(&buf, "sensor1")
	require.NoError(t, err)
	require.Equal(t, "sensor1", asset)
	require.Equal(t, "sensor1", wr.Asset)
	require.Equal(t, []byte("{}"), wr.Payload)
}

func TestReadWireReadingUsesExplicitAsset(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now().UTC()
	writeReadingFrame(&buf, 7, 2, now, "sensor2", []byte("{}"))

	wr, asset, err := readWireReading(&buf, "sensor1")
	require.NoError(t, err)
	require.Equal(t, "sensor2", asset)
	require.Equal(t, "sensor2", wr.Asset)
}
