package wire

import "encoding/binary"

// Reassembler turns an arbitrarily-chunked TCP stream back into whole
// outer frames. It never assumes reads align with frame boundaries: a
// single Feed may contain zero, one, or several complete frames, plus a
// partial one carried over to the next call.
//
// It tracks the header/body split explicitly rather than buffering
// everything and re-scanning, since RELAYING bodies can be arbitrarily
// large.
type Reassembler struct {
	buf       []byte
	etype     EType
	remaining int  // bytes of body still expected; -1 while the header itself is incomplete
	haveEType bool
}

// NewReassembler returns a Reassembler ready to receive the first header.
func NewReassembler() *Reassembler {
	return &Reassembler{remaining: -1}
}

// Feed appends newly-read bytes and returns every outer frame that became
// complete as a result, in arrival order.
func (r *Reassembler) Feed(data []byte) ([]OuterFrame, error) {
	r.buf = append(r.buf, data...)
	var out []OuterFrame
	for {
		if !r.haveEType {
			if len(r.buf) < outerHeaderLen {
				break
			}
			r.etype = EType(binary.BigEndian.Uint16(r.buf[0:2]))
			r.remaining = int(binary.BigEndian.Uint32(r.buf[2:6]))
			r.buf = r.buf[outerHeaderLen:]
			r.haveEType = true
		}
		if len(r.buf) < r.remaining {
			break
		}
		body := make([]byte, r.remaining)
		copy(body, r.buf[:r.remaining])
		r.buf = r.buf[r.remaining:]
		out = append(out, OuterFrame{EType: r.etype, Body: body})
		r.haveEType = false
		r.remaining = -1
	}
	return out, nil
}

// Pending reports how many bytes are buffered waiting on more input.
func (r *Reassembler) Pending() int { return len(r.buf) }
