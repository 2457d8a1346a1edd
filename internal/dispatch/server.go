package dispatch

import (
	"net"

	"blitiri.com.ar/go/log"
)

// Server binds one TCP listener to an ordered policy cascade, per §6's
// "each engine (or multipolicy bundle) binds one TCP listener" contract.
type Server struct {
	Addr     string
	Policies []Policy
}

// NewServer builds a Server. A single-engine policy list is the common
// case; pass more than one to run a cascading bundle (e.g. [SDA, Quota]
// outbound, or [Greylist, SPF] inbound).
func NewServer(addr string, policies ...Policy) *Server {
	return &Server{Addr: addr, Policies: policies}
}

// ListenAndServe binds Addr and serves connections until Accept fails.
// Go's net package does not expose accept-backlog tuning, so
// listener_backlog is not applied; the OS default backlog is used.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections from l, handling each on its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()
	log.Infof("dispatch: listening on %s", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		c := &Conn{conn: conn, policies: s.Policies}
		go c.Handle()
	}
}
