package transform

// SerializeChain encodes a chain as the sequence of records
// (name_len:u8, name, key_len:u8, key) terminated by a name_len=0 record,
// as carried inside HANDSHAKE frame bodies.
func SerializeChain(c *Chain) []byte {
	var out []byte
	for _, t := range c.Transforms() {
		out = appendRecord(out, t.Name(), t.Key())
	}
	out = append(out, 0x00) // terminator: name_len = 0
	return out
}

func appendRecord(out []byte, name string, key []byte) []byte {
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = append(out, byte(len(key)))
	out = append(out, key...)
	return out
}

// DeserializeChain parses a HANDSHAKE chain body and returns the resulting
// Chain plus the number of bytes consumed (including the terminator).
// Unknown transform names or truncated records are a protocol error.
func DeserializeChain(data []byte) (*Chain, int, error) {
	var transforms []Transform
	pos := 0
	for {
		if pos >= len(data) {
			return nil, 0, ErrMalformedRecord
		}
		nameLen := int(data[pos])
		pos++
		if nameLen == 0 {
			break
		}
		if pos+nameLen > len(data) {
			return nil, 0, ErrMalformedRecord
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		if pos >= len(data) {
			return nil, 0, ErrMalformedRecord
		}
		keyLen := int(data[pos])
		pos++
		if pos+keyLen > len(data) {
			return nil, 0, ErrMalformedRecord
		}
		key := data[pos : pos+keyLen]
		pos += keyLen

		t, err := Lookup(name, key)
		if err != nil {
			return nil, 0, err
		}
		transforms = append(transforms, t)
	}
	chain, err := NewChain(transforms)
	if err != nil {
		return nil, 0, err
	}
	return chain, pos, nil
}
