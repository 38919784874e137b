package mail

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Message bodies travel and rest lz4 block-compressed with a small
// header carrying the codec and the original size. Incompressible
// bodies are stored raw under codec 0 so decode never guesses.
const (
	bodyCodecRaw byte = 0
	bodyCodecLz4 byte = 1

	bodyHeaderSize = 1 + 4
)

func CompressBody(body []byte) []byte {
	buf := make([]byte, bodyHeaderSize+lz4.CompressBlockBound(len(body)))
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(body)))

	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(body, buf[bodyHeaderSize:])
	if err != nil || n == 0 || n >= len(body) {
		raw := make([]byte, bodyHeaderSize+len(body))
		raw[0] = bodyCodecRaw
		binary.LittleEndian.PutUint32(raw[1:], uint32(len(body)))
		copy(raw[bodyHeaderSize:], body)
		return raw
	}
	buf[0] = bodyCodecLz4
	return buf[:bodyHeaderSize+n]
}

func DecompressBody(data []byte) ([]byte, error) {
	if len(data) < bodyHeaderSize {
		return nil, fmt.Errorf("mail body too short: %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint32(data[1:])
	payload := data[bodyHeaderSize:]
	switch data[0] {
	case bodyCodecRaw:
		if uint32(len(payload)) != size {
			return nil, fmt.Errorf("mail body size mismatch: header %d, payload %d", size, len(payload))
		}
		body := make([]byte, size)
		copy(body, payload)
		return body, nil
	case bodyCodecLz4:
		body := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, body)
		if err != nil {
			return nil, err
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("mail body size mismatch: header %d, decoded %d", size, n)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unknown mail body codec: %d", data[0])
	}
}
