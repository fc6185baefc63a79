package transport

import (
	"bytes"
	"compress/gzip"
	"io"
)

// DefaultCompressMinBytes is the payload size above which WebSocket
// frames are gzipped and sent as binary frames.
const DefaultCompressMinBytes = 1024

// compressPayload gzips a marshaled frame for binary transmission.
func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressPayload inflates a binary frame received from a peer.
func decompressPayload(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
