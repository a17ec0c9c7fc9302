package transport

import (
	"bufio"
	"net"
	"testing"
	"time"
)

// newPipeConn creates a net.Pipe pair and registers cleanup.
func newPipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	return local, remote
}

// newTestDTConn creates a DTConn on the local end of a pipe with a short response timeout.
func newTestDTConn(t *testing.T, opts ...Option) (*DTConn, net.Conn) {
	t.Helper()

	cfg, err := NewConfig(append([]Option{WithResponseTimeout(100 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("newTestDTConn: %v", err)
	}
	local, remote := newPipeConn(t)

	return NewDTConn(local, cfg), remote
}

// fakeDevice answers DT frames on conn with reply(cmd) until the pipe closes.
// A nil reply from the handler means the device stays silent.
func fakeDevice(conn net.Conn, reply func(addr byte, cmd string) []byte) <-chan string {
	cmds := make(chan string, 16)
	go func() {
		defer close(cmds)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\r')
			if err != nil {
				return
			}
			if len(line) < 3 || line[0] != '/' {
				continue
			}
			cmd := line[2 : len(line)-1]
			cmds <- cmd
			if rsp := reply(line[1], cmd); rsp != nil {
				if _, err := conn.Write(rsp); err != nil {
					return
				}
			}
		}
	}()

	return cmds
}

// replyFrame builds a DT reply with the trailing CR LF.
func replyFrame(status byte, data string) []byte {
	return []byte("/0" + string(status) + data + "\x03\r\n")
}
