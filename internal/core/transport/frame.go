package transport

// Frame kinds on the wire. A frame is a single kind byte followed by the
// payload; updates and awareness share the connection but never mix.
const (
	frameUpdate    byte = 0x01
	frameAwareness byte = 0x02
	frameSync      byte = 0x03
)

func encodeFrame(kind byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = kind
	copy(buf[1:], payload)
	return buf
}

func decodeFrame(data []byte) (kind byte, payload []byte, err error) {
	if len(data) < 1 {
		return 0, nil, ErrInvalidFrame
	}
	switch data[0] {
	case frameUpdate, frameAwareness, frameSync:
		return data[0], data[1:], nil
	default:
		return 0, nil, ErrInvalidFrame
	}
}
