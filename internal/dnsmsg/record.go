package dnsmsg

import (
	"fmt"
	"net"
	"strings"
)

// QueryType is the DNS TYPE field carried in questions and records.
type QueryType uint16

const (
	TypeUnknown QueryType = 0
	TypeA       QueryType = 1
	TypeNS      QueryType = 2
	TypeCNAME   QueryType = 5
	TypeSOA     QueryType = 6
	TypeMX      QueryType = 15
	TypeTXT     QueryType = 16
	TypeAAAA    QueryType = 28
	TypeSRV     QueryType = 33
	TypeOPT     QueryType = 41
)

// String returns the conventional mnemonic for well-known types, or
// TYPEnnn for anything this server only passes through opaquely.
func (t QueryType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeNS:
		return "NS"
	case TypeCNAME:
		return "CNAME"
	case TypeSOA:
		return "SOA"
	case TypeMX:
		return "MX"
	case TypeTXT:
		return "TXT"
	case TypeAAAA:
		return "AAAA"
	case TypeSRV:
		return "SRV"
	case TypeOPT:
		return "OPT"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// rank orders record variants for the total order the data model requires
// (A < AAAA < CNAME < NS < MX < ... ); used for stable cache/zone-set
// serialisation and deduplication, never for wire order.
func (t QueryType) rank() int {
	switch t {
	case TypeA:
		return 0
	case TypeAAAA:
		return 1
	case TypeCNAME:
		return 2
	case TypeNS:
		return 3
	case TypeMX:
		return 4
	case TypeSOA:
		return 5
	case TypeTXT:
		return 6
	case TypeSRV:
		return 7
	case TypeOPT:
		return 8
	default:
		return 100 + int(t)
	}
}

const ClassIN uint16 = 1

// Record is the tagged-union resource record. The common prefix is
// Domain/TTL/Class/Type; only the fields relevant to Type are meaningful.
type Record struct {
	Domain string
	Type   QueryType
	Class  uint16
	TTL    uint32 // transient TTL, plain seconds

	IP net.IP // A / AAAA

	Host string // NS / CNAME

	MXPriority uint16 // MX
	MXHost     string // MX

	Text string // TXT

	MName   string // SOA
	RName   string // SOA
	Serial  uint32 // SOA
	Refresh uint32 // SOA
	Retry   uint32 // SOA
	Expire  uint32 // SOA
	Minimum uint32 // SOA

	SRVPriority uint16 // SRV
	SRVWeight   uint16 // SRV
	SRVPort     uint16 // SRV
	SRVTarget   string // SRV

	UDPSize   uint16 // OPT
	EDNSFlags uint32 // OPT: extended-rcode<<24 | version<<16 | Z
	OptData   []byte // OPT, raw options blob

	RawType QueryType // Unknown
	Raw     []byte    // Unknown, raw rdata
}

// Key identifies a record's position in a record-set (cache entry or zone
// index): (domain, type).
type Key struct {
	Domain string
	Type   QueryType
}

func (r Record) Key() Key { return Key{Domain: strings.ToLower(r.Domain), Type: r.Type} }

// payloadBytes renders the variant payload for ordering/dedup comparisons,
// independent of wire-length backpatching.
func (r Record) payloadBytes() string {
	switch r.Type {
	case TypeA, TypeAAAA:
		if r.IP == nil {
			return ""
		}
		return r.IP.String()
	case TypeNS, TypeCNAME:
		return strings.ToLower(r.Host)
	case TypeMX:
		return fmt.Sprintf("%d %s", r.MXPriority, strings.ToLower(r.MXHost))
	case TypeTXT:
		return r.Text
	case TypeSOA:
		return fmt.Sprintf("%s %s %d %d %d %d %d", strings.ToLower(r.MName), strings.ToLower(r.RName), r.Serial, r.Refresh, r.Retry, r.Expire, r.Minimum)
	case TypeSRV:
		return fmt.Sprintf("%d %d %d %s", r.SRVPriority, r.SRVWeight, r.SRVPort, strings.ToLower(r.SRVTarget))
	case TypeOPT:
		return string(r.OptData)
	default:
		return string(r.Raw)
	}
}

// Less implements the record-set total order: (variant rank, domain, payload).
func (r Record) Less(other Record) bool {
	rr, or := r.Type.rank(), other.Type.rank()
	if rr != or {
		return rr < or
	}
	ld, od := strings.ToLower(r.Domain), strings.ToLower(other.Domain)
	if ld != od {
		return ld < od
	}
	return r.payloadBytes() < other.payloadBytes()
}

// Equal reports whether two records are duplicates for dedup purposes:
// same domain, type and rendered payload (TTL is not part of identity).
func (r Record) Equal(other Record) bool {
	return strings.EqualFold(r.Domain, other.Domain) && r.Type == other.Type && r.payloadBytes() == other.payloadBytes()
}

// WithTTL returns a copy of the record with its transient TTL replaced;
// used by the cache to report "remaining seconds" instead of the original.
func (r Record) WithTTL(ttl uint32) Record {
	r.TTL = ttl
	return r
}

// ReadRecord decodes a single resource record from buf.
func ReadRecord(buf Buffer) (Record, error) {
	var r Record
	name, err := buf.ReadName()
	if err != nil {
		return r, err
	}
	r.Domain = name

	typeVal, err := buf.Readu16()
	if err != nil {
		return r, err
	}
	r.Type = QueryType(typeVal)

	r.Class, err = buf.Readu16()
	if err != nil {
		return r, err
	}

	r.TTL, err = buf.Readu32()
	if err != nil {
		return r, err
	}

	dataLen, err := buf.Readu16()
	if err != nil {
		return r, err
	}
	startPos := buf.Position()

	switch r.Type {
	case TypeA:
		raw, err := buf.ReadRange(buf.Position(), 4)
		if err != nil {
			return r, err
		}
		r.IP = net.IP(raw)
		if err := buf.Step(4); err != nil {
			return r, err
		}
	case TypeAAAA:
		raw, err := buf.ReadRange(buf.Position(), 16)
		if err != nil {
			return r, err
		}
		r.IP = net.IP(raw)
		if err := buf.Step(16); err != nil {
			return r, err
		}
	case TypeNS, TypeCNAME:
		r.Host, err = buf.ReadName()
		if err != nil {
			return r, err
		}
	case TypeMX:
		if r.MXPriority, err = buf.Readu16(); err != nil {
			return r, err
		}
		if r.MXHost, err = buf.ReadName(); err != nil {
			return r, err
		}
	case TypeTXT:
		remaining := int(dataLen)
		var sb strings.Builder
		for remaining > 0 {
			l, err := buf.Read()
			if err != nil {
				return r, err
			}
			remaining--
			chunk, err := buf.ReadRange(buf.Position(), int(l))
			if err != nil {
				return r, err
			}
			if err := buf.Step(int(l)); err != nil {
				return r, err
			}
			remaining -= int(l)
			sb.Write(chunk)
		}
		r.Text = sb.String()
	case TypeSOA:
		if r.MName, err = buf.ReadName(); err != nil {
			return r, err
		}
		if r.RName, err = buf.ReadName(); err != nil {
			return r, err
		}
		if r.Serial, err = buf.Readu32(); err != nil {
			return r, err
		}
		if r.Refresh, err = buf.Readu32(); err != nil {
			return r, err
		}
		if r.Retry, err = buf.Readu32(); err != nil {
			return r, err
		}
		if r.Expire, err = buf.Readu32(); err != nil {
			return r, err
		}
		if r.Minimum, err = buf.Readu32(); err != nil {
			return r, err
		}
	case TypeSRV:
		if r.SRVPriority, err = buf.Readu16(); err != nil {
			return r, err
		}
		if r.SRVWeight, err = buf.Readu16(); err != nil {
			return r, err
		}
		if r.SRVPort, err = buf.Readu16(); err != nil {
			return r, err
		}
		if r.SRVTarget, err = buf.ReadName(); err != nil {
			return r, err
		}
	case TypeOPT:
		r.UDPSize = r.Class
		r.EDNSFlags = r.TTL
		remaining := int(dataLen)
		data, err := buf.ReadRange(buf.Position(), remaining)
		if err != nil {
			return r, err
		}
		if err := buf.Step(remaining); err != nil {
			return r, err
		}
		r.OptData = data
	default:
		r.RawType = r.Type
		data, err := buf.ReadRange(buf.Position(), int(dataLen))
		if err != nil {
			return r, err
		}
		if err := buf.Step(int(dataLen)); err != nil {
			return r, err
		}
		r.Raw = data
	}

	// Defensive: a variant whose declared handler under-reads or over-reads
	// relative to dataLen would desync the rest of the packet. Clamp the
	// cursor back onto the declared window.
	consumed := buf.Position() - startPos
	if consumed != int(dataLen) {
		if err := buf.Seek(startPos + int(dataLen)); err != nil {
			return r, err
		}
	}
	return r, nil
}

// WriteRecord encodes r into buf, backpatching the 2-octet RDLENGTH once the
// payload length is known. Returns the number of octets written.
func WriteRecord(buf Buffer, r Record) (int, error) {
	startPos := buf.Position()

	if r.Type == TypeOPT {
		if err := buf.Write(0); err != nil {
			return 0, err
		}
		if err := buf.Writeu16(uint16(TypeOPT)); err != nil {
			return 0, err
		}
		if err := buf.Writeu16(r.UDPSize); err != nil {
			return 0, err
		}
		if err := buf.Writeu32(r.EDNSFlags); err != nil {
			return 0, err
		}
		if err := buf.Writeu16(uint16(len(r.OptData))); err != nil {
			return 0, err
		}
		for _, b := range r.OptData {
			if err := buf.Write(b); err != nil {
				return 0, err
			}
		}
		return buf.Position() - startPos, nil
	}

	if err := buf.WriteName(r.Domain); err != nil {
		return 0, err
	}
	if err := buf.Writeu16(uint16(r.Type)); err != nil {
		return 0, err
	}
	class := r.Class
	if class == 0 {
		class = ClassIN
	}
	if err := buf.Writeu16(class); err != nil {
		return 0, err
	}
	if err := buf.Writeu32(r.TTL); err != nil {
		return 0, err
	}

	lenPos := buf.Position()
	if err := buf.Writeu16(0); err != nil {
		return 0, err
	}

	switch r.Type {
	case TypeA:
		ip4 := r.IP.To4()
		for _, b := range ip4 {
			if err := buf.Write(b); err != nil {
				return 0, err
			}
		}
	case TypeAAAA:
		for _, b := range r.IP.To16() {
			if err := buf.Write(b); err != nil {
				return 0, err
			}
		}
	case TypeNS, TypeCNAME:
		if err := buf.WriteName(r.Host); err != nil {
			return 0, err
		}
	case TypeMX:
		if err := buf.Writeu16(r.MXPriority); err != nil {
			return 0, err
		}
		if err := buf.WriteName(r.MXHost); err != nil {
			return 0, err
		}
	case TypeTXT:
		text := r.Text
		for len(text) > 255 {
			if err := buf.Write(255); err != nil {
				return 0, err
			}
			for i := 0; i < 255; i++ {
				if err := buf.Write(text[i]); err != nil {
					return 0, err
				}
			}
			text = text[255:]
		}
		if err := buf.Write(byte(len(text))); err != nil {
			return 0, err
		}
		for i := 0; i < len(text); i++ {
			if err := buf.Write(text[i]); err != nil {
				return 0, err
			}
		}
	case TypeSOA:
		if err := buf.WriteName(r.MName); err != nil {
			return 0, err
		}
		if err := buf.WriteName(r.RName); err != nil {
			return 0, err
		}
		if err := buf.Writeu32(r.Serial); err != nil {
			return 0, err
		}
		if err := buf.Writeu32(r.Refresh); err != nil {
			return 0, err
		}
		if err := buf.Writeu32(r.Retry); err != nil {
			return 0, err
		}
		if err := buf.Writeu32(r.Expire); err != nil {
			return 0, err
		}
		if err := buf.Writeu32(r.Minimum); err != nil {
			return 0, err
		}
	case TypeSRV:
		if err := buf.Writeu16(r.SRVPriority); err != nil {
			return 0, err
		}
		if err := buf.Writeu16(r.SRVWeight); err != nil {
			return 0, err
		}
		if err := buf.Writeu16(r.SRVPort); err != nil {
			return 0, err
		}
		if err := buf.WriteName(r.SRVTarget); err != nil {
			return 0, err
		}
	default:
		for _, b := range r.Raw {
			if err := buf.Write(b); err != nil {
				return 0, err
			}
		}
	}

	currPos := buf.Position()
	if err := buf.Seek(lenPos); err != nil {
		return 0, err
	}
	if err := buf.Writeu16(uint16(currPos - (lenPos + 2))); err != nil {
		return 0, err
	}
	if err := buf.Seek(currPos); err != nil {
		return 0, err
	}
	return currPos - startPos, nil
}
