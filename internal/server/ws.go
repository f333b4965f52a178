package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/jddlt/arboris-novel/internal/protocol"
)

// decision carries one confirm_response frame to the paused agent loop.
type decision struct {
	approved []string
	rejected []string
}

// wsSession is one client's frame stream. Rounds run on their own goroutine;
// the read loop keeps draining so cancel and confirm_response frames get
// through while a round is in flight.
type wsSession struct {
	srv       *Server
	conn      *websocket.Conn
	projectID string

	writeMu sync.Mutex

	conversationID string
	round          int

	roundActive      atomic.Bool
	cancelled        atomic.Bool
	awaitingDecision atomic.Bool
	decisions        chan decision
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("gm: websocket accept failed", "project", project, "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	sess := &wsSession{
		srv:       s,
		conn:      conn,
		projectID: project,
		decisions: make(chan decision, 1),
	}
	s.log.Info("gm: client connected", "project", project)

	ctx := r.Context()
	sess.send(ctx, &protocol.ServerFrame{Type: protocol.FrameConnected, ProjectID: project})
	sess.readLoop(ctx)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.Info("gm: client disconnected", "project", project)
}

func (sess *wsSession) readLoop(ctx context.Context) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := protocol.DecodeClientFrame(data)
		if err != nil {
			sess.srv.log.Warn("gm: dropping undecodable frame", "error", err)
			continue
		}

		switch frame.Type {
		case protocol.FrameUserMessage:
			if !sess.roundActive.CompareAndSwap(false, true) {
				sess.send(ctx, &protocol.ServerFrame{
					Type:  protocol.FrameError,
					Error: "a round is already in progress",
					Code:  "round_open",
				})
				continue
			}
			sess.cancelled.Store(false)
			go sess.runRound(ctx, frame)

		case protocol.FrameConfirmResponse:
			if !sess.deliverDecision(decision{approved: frame.Approved, rejected: frame.Rejected}) {
				sess.srv.log.Warn("gm: decision frame with no confirmation pending")
			}

		case protocol.FrameCancel:
			sess.cancelled.Store(true)

		case protocol.FramePing:
			sess.send(ctx, &protocol.ServerFrame{Type: protocol.FramePong})
		}
	}
}

// deliverDecision forwards a confirm_response to the paused round. Frames
// arriving while no round is waiting on a confirmation are dropped, so a
// decision sent just as a confirmation times out cannot buffer up and
// answer the next round's dialog.
func (sess *wsSession) deliverDecision(dec decision) bool {
	if !sess.awaitingDecision.Load() {
		return false
	}
	select {
	case sess.decisions <- dec:
		return true
	default:
		return false
	}
}

// send serializes writes; a round goroutine and the read loop both emit
// frames on the same connection.
func (sess *wsSession) send(ctx context.Context, f *protocol.ServerFrame) {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		sess.srv.log.Error("gm: encode frame", "type", f.Type, "error", err)
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.Write(ctx, websocket.MessageText, data); err != nil {
		sess.srv.log.Warn("gm: write failed", "type", f.Type, "error", err)
	}
}
