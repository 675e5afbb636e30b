package testutil

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/udp"
)

// FakeMachine is a loopback machine daemon answering probe queries with a
// fixed component list, one datagram per component.
type FakeMachine struct {
	conn    *net.UDPConn
	mu      sync.Mutex
	records []machine.Record
	queries atomic.Int32
	last    atomic.Pointer[udp.Query]
	wg      sync.WaitGroup
}

// StartFakeMachine listens on 127.0.0.1 and serves until the test ends.
func StartFakeMachine(t *testing.T, records ...machine.Record) *FakeMachine {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to start fake machine: %v", err)
	}
	m := &FakeMachine{conn: conn, records: records}
	m.wg.Add(1)
	go m.serve()
	t.Cleanup(func() {
		_ = conn.Close()
		m.wg.Wait()
	})
	return m
}

// Addr returns the daemon's listening address.
func (m *FakeMachine) Addr() netip.AddrPort {
	return m.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Port returns the daemon's listening port.
func (m *FakeMachine) Port() uint16 {
	return m.Addr().Port()
}

// SetRecords replaces the components reported from now on.
func (m *FakeMachine) SetRecords(records ...machine.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
}

// Queries returns how many well-formed queries were received.
func (m *FakeMachine) Queries() int {
	return int(m.queries.Load())
}

// LastQuery returns the most recent query, or nil.
func (m *FakeMachine) LastQuery() *udp.Query {
	return m.last.Load()
}

// Send writes a raw datagram to addr, e.g. garbage for negative tests.
func (m *FakeMachine) Send(b []byte, addr netip.AddrPort) error {
	_, err := m.conn.WriteToUDPAddrPort(b, addr)
	return err
}

func (m *FakeMachine) serve() {
	defer m.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		q, err := udp.DecodeQuery(buf[:n])
		if err != nil {
			continue
		}
		m.queries.Add(1)
		m.last.Store(&q)

		reply := netip.AddrPortFrom(from.Addr(), q.FinderRecvPort)
		m.mu.Lock()
		records := m.records
		m.mu.Unlock()
		for _, r := range records {
			r.UID = q.UID
			r.Username = q.Username
			_, _ = m.conn.WriteToUDPAddrPort(udp.EncodeReply(r), reply)
		}
	}
}
