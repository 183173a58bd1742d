// Package loopback implements a minimal peer server used only by this
// module's own tests. spec.md §1 places server-side dispatch and fan-out
// out of scope as an external collaborator; the scenarios in spec.md §8
// still need something on the other end of the socket to exercise
// registration, streaming and cancellation against, so this package
// provides the smallest peer that does exactly that: core.new_rpc
// bookkeeping, core.broadcast fan-out, and routing of arbitrary calls to
// whichever connected client registered that name.
//
// It is grounded on the shape of the teacher's
// cider/cider/broker/services/rpc/exchange.go Exchange interface
// (register/unregister/route-by-method), simplified to what the test
// scenarios require: no endpoints, no apps, just connections.
package loopback

import (
	"bytes"
	"net"
	"sync"

	log "github.com/cihub/seelog"
	"github.com/google/uuid"

	"github.com/sirver/switchboard/internal/codecs"
	"github.com/sirver/switchboard/ipc"
	"github.com/sirver/switchboard/rpc"
)

// route tracks one in-flight call this server forwarded from origin to
// target, so a later Response or Cancel can be relayed to the right side.
type route struct {
	origin *peerConn
	target *peerConn
}

// Server accepts connections on a listener and routes RpcCall/RpcResponse/
// RpcCancel frames between them, exactly as much as the core's own test
// scenarios require.
type Server struct {
	listener net.Listener

	mu       sync.Mutex
	handlers map[string]*peerConn         // function name -> owning peer
	inFlight map[rpc.ContextID]route      // routed call's context -> route
	peers    map[*peerConn]struct{}

	wg sync.WaitGroup
}

type peerConn struct {
	stream *ipc.Stream
	mu     sync.Mutex // guards concurrent WriteMessage calls from the server
}

func (p *peerConn) send(msg *ipc.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream.WriteMessage(msg)
}

// NewServer wraps an already-listening listener (typically the result of
// net.Listen("unix", path)).
func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
		handlers: make(map[string]*peerConn),
		inFlight: make(map[rpc.ContextID]route),
		peers:    make(map[*peerConn]struct{}),
	}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close closes the listener and every already-accepted connection, so a
// server shutdown actually severs its clients (spec.md §8 scenario 1: "server
// shuts down" must sever the connection, not merely stop accepting new
// ones) instead of leaving them to notice nothing until some later I/O.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	peers := make([]*peerConn, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.stream.Close()
	}
	return err
}

// Wait blocks until every accepted connection's handler goroutine has
// returned, useful in tests after closing all client connections.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	peer := &peerConn{stream: ipc.NewStream(conn)}

	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	defer s.unregisterPeer(peer)

	for {
		msg, err := peer.stream.ReadMessage()
		if err != nil {
			log.Debugf("loopback: connection closed: %v", err)
			return
		}
		s.handleMessage(peer, msg)
	}
}

func (s *Server) unregisterPeer(peer *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
	for name, owner := range s.handlers {
		if owner == peer {
			delete(s.handlers, name)
		}
	}
	for context, r := range s.inFlight {
		if r.origin == peer || r.target == peer {
			delete(s.inFlight, context)
		}
	}
}

func (s *Server) handleMessage(peer *peerConn, msg *ipc.Message) {
	switch msg.Kind {
	case ipc.KindCall:
		s.handleCall(peer, *msg.Call)
	case ipc.KindResponse:
		s.handleResponse(*msg.Response)
	case ipc.KindCancel:
		s.handleCancel(*msg.Cancel)
	}
}

func (s *Server) handleCall(peer *peerConn, call rpc.Call) {
	switch call.Function {
	case "core.new_rpc":
		s.handleNewRpc(peer, call)
		return
	case "core.broadcast":
		s.handleBroadcast(peer, call)
		return
	}

	s.mu.Lock()
	target, ok := s.handlers[call.Function]
	if ok {
		s.inFlight[call.Context] = route{origin: peer, target: target}
	}
	s.mu.Unlock()

	if !ok {
		reply(peer, call.Context, rpc.Last(rpc.NotHandled()))
		return
	}
	msg := ipc.NewCallMessage(call)
	if err := target.send(&msg); err != nil {
		log.Warnf("loopback: forwarding call to owner of %q: %v", call.Function, err)
	}
}

func (s *Server) handleNewRpc(peer *peerConn, call rpc.Call) {
	var req struct {
		Priority uint16 `json:"priority"`
		Name     string `json:"name"`
	}
	if err := codecs.JSON.Decode(bytes.NewReader(call.Args), &req); err != nil {
		reply(peer, call.Context, rpc.Last(rpc.Err(rpc.ErrorDoc{Message: err.Error()})))
		return
	}

	s.mu.Lock()
	s.handlers[req.Name] = peer
	s.mu.Unlock()

	log.Debugf("loopback: registered %q", req.Name)
	reply(peer, call.Context, rpc.Last(rpc.Ok(nil)))
}

// handleBroadcast fans call's args out to every connected peer, the caller
// included, as a one-off core.broadcast call. The fan-out calls are never
// tracked in inFlight, so the recipients' replies are dropped as unrouted.
func (s *Server) handleBroadcast(peer *peerConn, call rpc.Call) {
	s.mu.Lock()
	recipients := make([]*peerConn, 0, len(s.peers))
	for p := range s.peers {
		recipients = append(recipients, p)
	}
	s.mu.Unlock()

	for _, p := range recipients {
		fanout := rpc.Call{
			Function: "core.broadcast",
			Context:  rpc.ContextID(uuid.NewString()),
			Args:     call.Args,
		}
		msg := ipc.NewCallMessage(fanout)
		if err := p.send(&msg); err != nil {
			log.Warnf("loopback: broadcasting: %v", err)
		}
	}

	reply(peer, call.Context, rpc.Last(rpc.Ok(nil)))
}

func (s *Server) handleResponse(resp rpc.Response) {
	s.mu.Lock()
	r, ok := s.inFlight[resp.Context]
	if ok && resp.Kind.IsLast() {
		delete(s.inFlight, resp.Context)
	}
	s.mu.Unlock()

	if !ok {
		log.Warnf("loopback: response for unrouted context %s", resp.Context)
		return
	}
	msg := ipc.NewResponseMessage(resp)
	if err := r.origin.send(&msg); err != nil {
		log.Warnf("loopback: forwarding response: %v", err)
	}
}

func (s *Server) handleCancel(cancel rpc.Cancel) {
	s.mu.Lock()
	r, ok := s.inFlight[cancel.Context]
	s.mu.Unlock()

	if !ok {
		log.Warnf("loopback: cancel for unrouted context %s", cancel.Context)
		return
	}
	msg := ipc.NewCancelMessage(cancel)
	if err := r.target.send(&msg); err != nil {
		log.Warnf("loopback: forwarding cancel: %v", err)
	}
}

func reply(peer *peerConn, context rpc.ContextID, kind rpc.ResponseKind) {
	msg := ipc.NewResponseMessage(rpc.Response{Context: context, Kind: kind})
	if err := peer.send(&msg); err != nil {
		log.Warnf("loopback: replying to %s: %v", context, err)
	}
}
