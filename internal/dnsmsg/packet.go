package dnsmsg

import "strconv"

// ResultCode is the RCODE field of a DNS header.
type ResultCode uint8

const (
	NOERROR  ResultCode = 0
	FORMERR  ResultCode = 1
	SERVFAIL ResultCode = 2
	NXDOMAIN ResultCode = 3
	NOTIMP   ResultCode = 4
	REFUSED  ResultCode = 5
)

var resultCodeNames = map[ResultCode]string{
	NOERROR:  "NOERROR",
	FORMERR:  "FORMERR",
	SERVFAIL: "SERVFAIL",
	NXDOMAIN: "NXDOMAIN",
	NOTIMP:   "NOTIMP",
	REFUSED:  "REFUSED",
}

func (r ResultCode) String() string {
	if name, ok := resultCodeNames[r]; ok {
		return name
	}
	return "RCODE" + strconv.Itoa(int(r))
}

const (
	OpcodeQuery uint8 = 0
)

// Header is the 12-octet fixed DNS message header.
type Header struct {
	ID uint16

	Response           bool
	Opcode             uint8
	AuthoritativeAnswer bool
	Truncated           bool
	RecursionDesired    bool
	RecursionAvailable  bool
	Z                   uint8 // 3 reserved bits
	ResCode             ResultCode

	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func (h *Header) read(buf Buffer) error {
	var err error
	if h.ID, err = buf.Readu16(); err != nil {
		return err
	}
	flags, err := buf.Readu16()
	if err != nil {
		return err
	}
	hi := byte(flags >> 8)
	lo := byte(flags & 0xFF)

	h.Response = hi&0x80 != 0
	h.Opcode = (hi >> 3) & 0x0F
	h.AuthoritativeAnswer = hi&0x04 != 0
	h.Truncated = hi&0x02 != 0
	h.RecursionDesired = hi&0x01 != 0

	h.RecursionAvailable = lo&0x80 != 0
	h.Z = (lo >> 4) & 0x07
	h.ResCode = ResultCode(lo & 0x0F)

	if h.QDCount, err = buf.Readu16(); err != nil {
		return err
	}
	if h.ANCount, err = buf.Readu16(); err != nil {
		return err
	}
	if h.NSCount, err = buf.Readu16(); err != nil {
		return err
	}
	if h.ARCount, err = buf.Readu16(); err != nil {
		return err
	}
	return nil
}

func (h *Header) write(buf Buffer) error {
	if err := buf.Writeu16(h.ID); err != nil {
		return err
	}
	var hi, lo byte
	if h.Response {
		hi |= 0x80
	}
	hi |= (h.Opcode & 0x0F) << 3
	if h.AuthoritativeAnswer {
		hi |= 0x04
	}
	if h.Truncated {
		hi |= 0x02
	}
	if h.RecursionDesired {
		hi |= 0x01
	}
	if h.RecursionAvailable {
		lo |= 0x80
	}
	lo |= (h.Z & 0x07) << 4
	lo |= byte(h.ResCode) & 0x0F

	flags := uint16(hi)<<8 | uint16(lo)
	if err := buf.Writeu16(flags); err != nil {
		return err
	}
	if err := buf.Writeu16(h.QDCount); err != nil {
		return err
	}
	if err := buf.Writeu16(h.ANCount); err != nil {
		return err
	}
	if err := buf.Writeu16(h.NSCount); err != nil {
		return err
	}
	return buf.Writeu16(h.ARCount)
}

// Question is a single entry of the question section.
type Question struct {
	Name  string
	Type  QueryType
	Class uint16
}

func (q *Question) read(buf Buffer) error {
	var err error
	if q.Name, err = buf.ReadName(); err != nil {
		return err
	}
	t, err := buf.Readu16()
	if err != nil {
		return err
	}
	q.Type = QueryType(t)
	if q.Class, err = buf.Readu16(); err != nil {
		return err
	}
	return nil
}

func (q *Question) write(buf Buffer) error {
	if err := buf.WriteName(q.Name); err != nil {
		return err
	}
	if err := buf.Writeu16(uint16(q.Type)); err != nil {
		return err
	}
	class := q.Class
	if class == 0 {
		class = ClassIN
	}
	return buf.Writeu16(class)
}

// Packet is a fully decoded DNS message: header, questions, and the three
// record sections (answers, authorities, additionals).
type Packet struct {
	Header      Header
	Questions   []Question
	Answers     []Record
	Authorities []Record
	Additionals []Record
}

// NewPacket returns an empty packet with a fresh header.
func NewPacket() *Packet {
	return &Packet{}
}

// FromBuffer decodes a complete packet from buf, starting at position 0.
func FromBuffer(buf Buffer) (*Packet, error) {
	p := &Packet{}
	if err := p.Header.read(buf); err != nil {
		return nil, err
	}
	for i := 0; i < int(p.Header.QDCount); i++ {
		var q Question
		if err := q.read(buf); err != nil {
			return nil, err
		}
		p.Questions = append(p.Questions, q)
	}
	for i := 0; i < int(p.Header.ANCount); i++ {
		r, err := ReadRecord(buf)
		if err != nil {
			return nil, err
		}
		p.Answers = append(p.Answers, r)
	}
	for i := 0; i < int(p.Header.NSCount); i++ {
		r, err := ReadRecord(buf)
		if err != nil {
			return nil, err
		}
		p.Authorities = append(p.Authorities, r)
	}
	for i := 0; i < int(p.Header.ARCount); i++ {
		r, err := ReadRecord(buf)
		if err != nil {
			return nil, err
		}
		p.Additionals = append(p.Additionals, r)
	}
	return p, nil
}

// Write serialises the packet into buf. When buf is capacity-bounded (the
// fixed UDP shape) and a record would not fit, Write sets the TC flag,
// truncates cleanly at the last complete record boundary already written,
// and returns nil (truncation is not an error at this layer).
func (p *Packet) Write(buf Buffer) error {
	p.Header.QDCount = uint16(len(p.Questions))
	p.Header.ANCount = uint16Clamp(len(p.Answers))
	p.Header.NSCount = uint16Clamp(len(p.Authorities))
	p.Header.ARCount = uint16Clamp(len(p.Additionals))

	headerPos := buf.Position()
	if err := p.Header.write(buf); err != nil {
		return err
	}

	for _, q := range p.Questions {
		if err := q.write(buf); err != nil {
			return err
		}
	}

	writeSection := func(records []Record, count *uint16) (truncated bool, err error) {
		written := 0
		for _, r := range records {
			mark := buf.Position()
			if _, werr := WriteRecord(buf, r); werr != nil {
				// Roll back to the last complete record and signal truncation.
				_ = buf.Seek(mark)
				*count = uint16(written)
				return true, nil
			}
			written++
		}
		return false, nil
	}

	anCount := p.Header.ANCount
	truncated, err := writeSection(p.Answers, &anCount)
	if err != nil {
		return err
	}
	p.Header.ANCount = anCount

	nsCount := p.Header.NSCount
	adCount := p.Header.ARCount
	if !truncated {
		t2, err := writeSection(p.Authorities, &nsCount)
		if err != nil {
			return err
		}
		p.Header.NSCount = nsCount
		truncated = t2
	} else {
		p.Header.NSCount = 0
	}

	if !truncated {
		t3, err := writeSection(p.Additionals, &adCount)
		if err != nil {
			return err
		}
		p.Header.ARCount = adCount
		truncated = t3
	} else {
		p.Header.ARCount = 0
	}

	if truncated {
		p.Header.Truncated = true
		tail := buf.Position()
		if err := buf.Seek(headerPos); err != nil {
			return err
		}
		if err := p.Header.write(buf); err != nil {
			return err
		}
		if err := buf.Seek(tail); err != nil {
			return err
		}
	}

	return nil
}

func uint16Clamp(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > 0xFFFF {
		return 0xFFFF
	}
	return uint16(n)
}
