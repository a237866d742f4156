package dnsmsg

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	req := NewPacket()
	req.Header.ID = 0xBEEF
	req.Header.RecursionDesired = true
	req.Questions = append(req.Questions, Question{Name: "www.example.com.", Type: TypeA, Class: ClassIN})

	resp := NewResponse(req, NOERROR)
	resp.Header.AuthoritativeAnswer = true
	resp.Answers = append(resp.Answers, Record{
		Domain: "www.example.com.",
		Type:   TypeA,
		Class:  ClassIN,
		TTL:    300,
		IP:     net.ParseIP("192.0.2.1"),
	})

	buf := NewFixedBuffer()
	defer PutFixedBuffer(buf)
	require.NoError(t, resp.Write(buf))

	decodeBuf := NewFixedBuffer()
	defer PutFixedBuffer(decodeBuf)
	decodeBuf.Load(buf.Bytes())

	got, err := FromBuffer(decodeBuf)
	require.NoError(t, err)
	require.Equal(t, resp.Header.ID, got.Header.ID)
	require.True(t, got.Header.Response)
	require.True(t, got.Header.AuthoritativeAnswer)
	require.Len(t, got.Answers, 1)
	require.Equal(t, "www.example.com.", got.Answers[0].Domain)
	require.Equal(t, TypeA, got.Answers[0].Type)
	require.Equal(t, "192.0.2.1", got.Answers[0].IP.String())
}

func TestNameCompressionSafety(t *testing.T) {
	p := NewPacket()
	p.Header.ID = 1
	p.Header.Response = true
	p.Questions = append(p.Questions, Question{Name: "a.example.com.", Type: TypeA, Class: ClassIN})
	p.Answers = append(p.Answers,
		Record{Domain: "a.example.com.", Type: TypeNS, TTL: 60, Host: "ns1.example.com."},
		Record{Domain: "b.example.com.", Type: TypeNS, TTL: 60, Host: "ns2.example.com."},
	)

	buf := NewGrowableBuffer(0)
	require.NoError(t, p.Write(buf))

	decodeBuf := LoadGrowable(buf.Bytes())
	got, err := FromBuffer(decodeBuf)
	require.NoError(t, err)
	require.Equal(t, "ns1.example.com.", got.Answers[0].Host)
	require.Equal(t, "ns2.example.com.", got.Answers[1].Host)
}

func TestForwardPointerRejected(t *testing.T) {
	buf := NewFixedBuffer()
	defer PutFixedBuffer(buf)
	raw := []byte{0xC0, 0x0A, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	buf.Load(raw)
	require.NoError(t, buf.Seek(0))
	_, err := buf.ReadName()
	require.ErrorIs(t, err, ErrForwardPointer)
}

func TestTruncationSetsTCAtRecordBoundary(t *testing.T) {
	req := NewPacket()
	req.Header.ID = 7
	req.Questions = append(req.Questions, Question{Name: "big.example.com.", Type: TypeTXT, Class: ClassIN})
	resp := NewResponse(req, NOERROR)
	resp.Header.AuthoritativeAnswer = true
	// Each TXT record payload is ~200 octets; enough of them overflow 512.
	text := make([]byte, 200)
	for i := range text {
		text[i] = 'a'
	}
	for i := 0; i < 10; i++ {
		resp.Answers = append(resp.Answers, Record{
			Domain: "big.example.com.",
			Type:   TypeTXT,
			Class:  ClassIN,
			TTL:    60,
			Text:   string(text),
		})
	}

	buf := NewFixedBuffer()
	defer PutFixedBuffer(buf)
	require.NoError(t, resp.Write(buf))
	require.True(t, resp.Header.Truncated)
	require.LessOrEqual(t, buf.Position(), MaxUDPPacketSize)

	decodeBuf := NewFixedBuffer()
	defer PutFixedBuffer(decodeBuf)
	decodeBuf.Load(buf.Bytes())
	got, err := FromBuffer(decodeBuf)
	require.NoError(t, err)
	require.True(t, got.Header.Truncated)
	require.Len(t, got.Questions, 1)
	require.Less(t, len(got.Answers), 10)
}
