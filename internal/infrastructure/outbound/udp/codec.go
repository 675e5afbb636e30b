package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
)

// Message ids on the machine daemon port. The daemon numbers its interface
// messages at build time; these match the console's own framing.
const (
	MsgQueryAllInterfaceInfos uint16 = 1
	MsgInterfaceInfo          uint16 = 2
)

const headerLen = 4

// ErrMalformed is returned for datagrams that cannot be decoded.
var ErrMalformed = errors.New("malformed datagram")

// Query is the body of a MsgQueryAllInterfaceInfos datagram.
type Query struct {
	UID            int32
	Username       string
	FinderRecvPort uint16
}

// EncodeQuery frames q as a query datagram.
func EncodeQuery(q Query) []byte {
	var e encoder
	e.i32(q.UID)
	e.cstring(q.Username)
	e.port(q.FinderRecvPort)
	return e.frame(MsgQueryAllInterfaceInfos)
}

// DecodeQuery parses a query datagram.
func DecodeQuery(b []byte) (Query, error) {
	body, err := unframe(b, MsgQueryAllInterfaceInfos)
	if err != nil {
		return Query{}, err
	}
	d := decoder{buf: body}
	q := Query{
		UID:      d.i32(),
		Username: d.cstring(),
	}
	q.FinderRecvPort = d.port()
	return q, d.err
}

// EncodeReply frames one component record as a reply datagram. The body
// carries the arguments of the daemon's onBroadcastInterface message in order.
// Responder and RefreshedAt are receiver-side fields and are not sent.
func EncodeReply(r machine.Record) []byte {
	var e encoder
	e.i32(r.UID)
	e.cstring(r.Username)
	e.i32(int32(r.ComponentType))
	e.u64(r.ComponentID)
	e.u64(r.ComponentIDEx)
	e.i32(r.GlobalOrder)
	e.i32(r.GroupOrder)
	e.i32(r.GUS)
	e.addr4(r.Host)
	e.port(r.InternalPort)
	e.addr4(r.ExternalAddr)
	e.port(r.ExternalPort)
	e.cstring(r.ExternalHost)
	e.u32(r.PID)
	e.u32(math.Float32bits(r.CPU))
	e.u32(math.Float32bits(r.Mem))
	e.u32(r.UsedMem)
	e.buf.WriteByte(byte(r.State))
	e.u32(r.MachineID)
	for _, x := range r.ExtraData {
		e.u64(x)
	}
	e.addr4(r.BackRecv.Addr())
	e.port(r.BackRecv.Port())
	return e.frame(MsgInterfaceInfo)
}

// DecodeReply parses a reply datagram into a record.
func DecodeReply(b []byte) (machine.Record, error) {
	body, err := unframe(b, MsgInterfaceInfo)
	if err != nil {
		return machine.Record{}, err
	}
	d := decoder{buf: body}
	var r machine.Record
	r.UID = d.i32()
	r.Username = d.cstring()
	r.ComponentType = machine.ComponentType(d.i32())
	r.ComponentID = d.u64()
	r.ComponentIDEx = d.u64()
	r.GlobalOrder = d.i32()
	r.GroupOrder = d.i32()
	r.GUS = d.i32()
	r.Host = d.addr4()
	r.InternalPort = d.port()
	r.ExternalAddr = d.addr4()
	r.ExternalPort = d.port()
	r.ExternalHost = d.cstring()
	r.PID = d.u32()
	r.CPU = math.Float32frombits(d.u32())
	r.Mem = math.Float32frombits(d.u32())
	r.UsedMem = d.u32()
	r.State = machine.ComponentState(int8(d.u8()))
	r.MachineID = d.u32()
	for i := range r.ExtraData {
		r.ExtraData[i] = d.u64()
	}
	if back := d.addr4(); back.IsValid() {
		r.BackRecv = netip.AddrPortFrom(back, d.port())
	} else {
		d.port()
	}
	if d.err != nil {
		return machine.Record{}, d.err
	}
	return r, nil
}

func unframe(b []byte, want uint16) ([]byte, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(b))
	}
	id := binary.LittleEndian.Uint16(b)
	if id != want {
		return nil, fmt.Errorf("%w: message id %d, want %d", ErrMalformed, id, want)
	}
	n := int(binary.LittleEndian.Uint16(b[2:]))
	if len(b)-headerLen != n {
		return nil, fmt.Errorf("%w: body length %d, header says %d", ErrMalformed, len(b)-headerLen, n)
	}
	return b[headerLen:], nil
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v uint32) { e.buf.Write(binary.LittleEndian.AppendUint32(nil, v)) }
func (e *encoder) u64(v uint64) { e.buf.Write(binary.LittleEndian.AppendUint64(nil, v)) }
func (e *encoder) i32(v int32) { e.u32(uint32(v)) }

// port writes a port in network byte order, as the daemon keeps them.
func (e *encoder) port(v uint16) { e.buf.Write(binary.BigEndian.AppendUint16(nil, v)) }

func (e *encoder) cstring(s string) {
	e.buf.WriteString(s)
	e.buf.WriteByte(0)
}

// addr4 writes the address in network byte order; non-IPv4 is sent as 0.0.0.0.
func (e *encoder) addr4(a netip.Addr) {
	var b [4]byte
	if a.Is4() || a.Is4In6() {
		b = a.Unmap().As4()
	}
	e.buf.Write(b[:])
}

func (e *encoder) frame(id uint16) []byte {
	out := make([]byte, 0, headerLen+e.buf.Len())
	out = binary.LittleEndian.AppendUint16(out, id)
	out = binary.LittleEndian.AppendUint16(out, uint16(e.buf.Len()))
	return append(out, e.buf.Bytes()...)
}

// decoder reads sequentially; the first short read sets err and later reads return zero values.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformed, d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) i32() int32 { return int32(d.u32()) }

func (d *decoder) port() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) cstring() string {
	if d.err != nil {
		return ""
	}
	i := bytes.IndexByte(d.buf[d.off:], 0)
	if i < 0 {
		d.err = fmt.Errorf("%w: unterminated string at offset %d", ErrMalformed, d.off)
		return ""
	}
	s := string(d.buf[d.off : d.off+i])
	d.off += i + 1
	return s
}

// addr4 returns the zero Addr for 0.0.0.0.
func (d *decoder) addr4() netip.Addr {
	b := d.take(4)
	if b == nil {
		return netip.Addr{}
	}
	a := netip.AddrFrom4([4]byte(b))
	if a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}
