package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/request"
)

// Conn handles one MTA connection: read a frame, decide, write the
// directive, loop, following the per-connection contract in §4.I and §5.
type Conn struct {
	conn     net.Conn
	policies []Policy
}

// Handle runs the read/decide/write loop until the connection closes. It
// never panics: every failure is converted into a deny directive or a
// clean return, matching §7's "no exception escapes the connection loop".
func (c *Conn) Handle() {
	defer c.conn.Close()
	r := bufio.NewReader(c.conn)

	for {
		frame, err := readFrame(r)
		if err != nil {
			if err == io.EOF || errors.Is(err, syscall.ECONNRESET) {
				log.Debugf("dispatch: %s disconnected", c.conn.RemoteAddr())
				return
			}
			log.Errorf("dispatch: %s read error: %v", c.conn.RemoteAddr(), err)
			continue
		}

		directive, err := c.decide(frame)
		if err != nil {
			log.Errorf("dispatch: %s decide error: %v", c.conn.RemoteAddr(), err)
			directive = "DUNNO"
		}

		if _, err := fmt.Fprintf(c.conn, "action=%s\n\n", directive); err != nil {
			log.Errorf("dispatch: %s write error: %v", c.conn.RemoteAddr(), err)
			return
		}
	}
}

func (c *Conn) decide(frame []byte) (string, error) {
	rec, err := request.Parse(frame)
	if err != nil {
		return "", err
	}
	return Evaluate(context.Background(), c.policies, rec)
}

// readFrame reads key=value lines up to and including the blank line that
// terminates a frame. It returns io.EOF once the connection closes,
// whether or not a partial frame had been accumulated (Postfix always
// closes cleanly between frames, never mid-frame).
func readFrame(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			buf.WriteString(line)
		}
		if line == "\n" {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}
