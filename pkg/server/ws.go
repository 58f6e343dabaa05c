package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/protocol"
	"github.com/NicolasHaas/tgbridge/pkg/relay"
)

const (
	maxDecodeErrorsPerConn = 5
	wsOutboxSize           = 64
	wsWriteTimeout         = 10 * time.Second
)

var (
	errFrameRate      = &model.Error{Kind: model.KindRateLimited, Msg: "too many frames, slow down"}
	errUserIDAuth     = &model.Error{Kind: model.KindUnauthenticated, Msg: "a session token is required"}
	errPeerClosed     = errors.New("server: websocket closed")
	errPeerOverloaded = errors.New("server: websocket outbox full")
)

func (s *Server) wsHandler() http.Handler {
	return websocket.Server{
		Handshake: s.checkOrigin,
		Handler:   s.handleWSConn,
	}
}

// checkOrigin accepts any origin unless AllowedOrigins is set.
func (s *Server) checkOrigin(_ *websocket.Config, r *http.Request) error {
	if len(s.cfg.AllowedOrigins) == 0 {
		return nil
	}
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, strings.TrimRight(strings.TrimSpace(allowed), "/")) {
			return nil
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
	return fmt.Errorf("server: origin %q not allowed", origin)
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	s.conns.Add(1)
	defer s.conns.Done()
	conn.MaxPayloadBytes = protocol.MaxFrameBytes

	peer := newWSPeer(conn)
	go peer.writeLoop()
	defer peer.wait()
	defer peer.close()
	stop := context.AfterFunc(s.ctx, peer.close)
	defer stop()

	ctx := conn.Request().Context()
	sess := s.relay.Connect(peer)
	defer s.relay.Disconnect(context.WithoutCancel(ctx), sess.ID)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameRate)
	decodeErrors := 0

	for {
		var data []byte
		err := websocket.Message.Receive(conn, &data)
		if err != nil && !errors.Is(err, websocket.ErrFrameTooLarge) {
			return
		}

		var frame protocol.Frame
		if err != nil || json.Unmarshal(data, &frame) != nil {
			decodeErrors++
			_ = peer.send("", protocol.ErrorFor(protocol.ErrInvalidFrame))
			if decodeErrors >= maxDecodeErrorsPerConn {
				slog.Warn("closing websocket after repeated bad frames", "session", sess.ID)
				return
			}
			continue
		}
		decodeErrors = 0

		if !limiter.Allow() {
			_ = peer.send(frame.RequestID, protocol.ErrorFor(errFrameRate))
			slog.Warn("closing websocket over frame rate", "session", sess.ID)
			return
		}

		if !s.handleFrame(ctx, sess.ID, peer, frame) {
			return
		}
	}
}

// handleFrame runs one request. It returns false when the connection
// should close.
func (s *Server) handleFrame(ctx context.Context, sessionID string, peer *wsPeer, frame protocol.Frame) bool {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		_ = peer.send(frame.RequestID, protocol.ErrorFor(err))
		return true
	}

	switch req := req.(type) {
	case *protocol.Authenticate:
		err = s.authenticate(ctx, sessionID, req)
	case *protocol.Join:
		_, err = s.relay.Join(ctx, sessionID, req.Room)
	case *protocol.Leave:
		err = s.relay.Leave(ctx, sessionID)
	case *protocol.SendMessage:
		_, err = s.relay.SendMessage(ctx, sessionID, req.Room, req.Text, req.ReplyTo)
	case *protocol.SendPrivateMessage:
		err = s.relay.SendPrivateMessage(ctx, sessionID, req.To, req.Text)
	case *protocol.Disconnect:
		return false
	}
	if err != nil {
		if model.KindOf(err) == model.KindInternal {
			slog.Error("websocket request failed", "session", sessionID, "type", frame.Type, "err", err)
		}
		_ = peer.send(frame.RequestID, protocol.ErrorFor(err))
	}
	return true
}

func (s *Server) authenticate(ctx context.Context, sessionID string, req *protocol.Authenticate) error {
	userID := req.UserID
	switch {
	case req.Token != "":
		claims, err := s.sessions.Parse(req.Token)
		if err != nil {
			s.metrics.FailedAuths.Add(1)
			return err
		}
		userID = claims.UserID
	case !s.cfg.AllowUserIDAuth:
		s.metrics.FailedAuths.Add(1)
		return errUserIDAuth
	}
	_, err := s.relay.Authenticate(ctx, sessionID, userID)
	return err
}

// wsPeer queues outbound frames for one connection. A single writer drains
// the queue, so a slow client never blocks a broadcast; a client whose
// queue fills up is disconnected.
type wsPeer struct {
	conn     *websocket.Conn
	out      chan protocol.Frame
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

var _ relay.Peer = (*wsPeer)(nil)

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		conn:     conn,
		out:      make(chan protocol.Frame, wsOutboxSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (p *wsPeer) Deliver(ev protocol.Event) error {
	return p.send("", ev)
}

func (p *wsPeer) send(requestID string, ev protocol.Event) error {
	frame, err := protocol.EncodeFrame(requestID, ev)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	default:
		p.close()
		return errPeerOverloaded
	}
}

func (p *wsPeer) writeLoop() {
	defer close(p.finished)
	defer func() { _ = p.conn.Close() }()
	for {
		select {
		case frame := <-p.out:
			if err := p.write(frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			p.flush()
			return
		}
	}
}

// flush writes what is still queued, so a final error frame reaches the
// client before the connection closes.
func (p *wsPeer) flush() {
	for {
		select {
		case frame := <-p.out:
			if err := p.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *wsPeer) write(frame protocol.Frame) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return websocket.JSON.Send(p.conn, frame)
}

func (p *wsPeer) close() {
	p.once.Do(func() { close(p.done) })
}

func (p *wsPeer) wait() {
	<-p.finished
}
