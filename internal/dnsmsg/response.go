package dnsmsg

// NewResponse builds the skeleton of a reply to req: same ID and question,
// response bit set, recursion-desired echoed, result code as given.
func NewResponse(req *Packet, code ResultCode) *Packet {
	resp := &Packet{}
	resp.Header.ID = req.Header.ID
	resp.Header.Response = true
	resp.Header.Opcode = req.Header.Opcode
	resp.Header.RecursionDesired = req.Header.RecursionDesired
	resp.Header.ResCode = code
	resp.Questions = append(resp.Questions, req.Questions...)
	return resp
}

// EncodeUDP serialises p into a pooled fixed buffer sized for a UDP
// datagram, honoring maxSize (raised by an EDNS0 OPT up to MaxEDNSPacketSize;
// otherwise MaxUDPPacketSize) for truncation purposes. If maxSize exceeds the
// fixed buffer's capacity a growable buffer is used instead so the larger
// EDNS ceiling is actually honored.
func EncodeUDP(p *Packet, maxSize int) ([]byte, error) {
	if maxSize <= 0 || maxSize > MaxEDNSPacketSize {
		maxSize = MaxEDNSPacketSize
	}
	if maxSize <= MaxUDPPacketSize {
		buf := NewFixedBuffer()
		defer PutFixedBuffer(buf)
		if err := p.Write(buf); err != nil {
			return nil, err
		}
		out := make([]byte, buf.Position())
		copy(out, buf.Bytes())
		return out, nil
	}
	buf := NewGrowableBuffer(maxSize)
	if err := p.Write(buf); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// EncodeTCP serialises p into a 2-octet length-prefixed TCP frame.
func EncodeTCP(p *Packet) ([]byte, error) {
	buf := NewGrowableBuffer(65535)
	if err := p.Write(buf); err != nil {
		return nil, err
	}
	body := buf.Bytes()
	framed := make([]byte, 2+len(body))
	framed[0] = byte(len(body) >> 8)
	framed[1] = byte(len(body))
	copy(framed[2:], body)
	return framed, nil
}
