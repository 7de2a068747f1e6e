package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"parley/internal/domain"
	"parley/internal/usecase"
)

// TurnStarter runs one conversational turn to completion.
// *usecase.TurnRunner satisfies it.
type TurnStarter interface {
	Run(ctx context.Context, threadID, userID, text string, emitter domain.TurnEmitter) (*usecase.TurnResult, error)
}

const (
	defaultSendBuffer = 64
	defaultQueueDepth = 8
	writeTimeout      = 10 * time.Second
)

// session owns one WebSocket connection: a read loop, a write loop
// draining the ordered send queue, and one FIFO worker per thread.
// Turns on different threads interleave freely; turns on one thread
// are strictly serialized behind the previous turn's terminal frame.
type session struct {
	conn   *websocket.Conn
	userID string
	runner TurnStarter
	owner  domain.ThreadAuthorizer
	logger *slog.Logger

	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	queueDepth int
	mu         sync.Mutex
	queues     map[string]chan queuedTurn
	wg         sync.WaitGroup
}

type queuedTurn struct {
	threadID string
	text     string
}

func newSession(conn *websocket.Conn, userID string, runner TurnStarter, owner domain.ThreadAuthorizer, logger *slog.Logger) *session {
	return &session{
		conn:       conn,
		userID:     userID,
		runner:     runner,
		owner:      owner,
		logger:     logger,
		sendCh:     make(chan Frame, defaultSendBuffer),
		done:       make(chan struct{}),
		queueDepth: defaultQueueDepth,
		queues:     make(map[string]chan queuedTurn),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// send places a frame on the ordered outbound queue. A full queue
// blocks the caller (backpressure; per-turn frames are never dropped);
// a closed session returns false instead of blocking forever.
func (s *session) send(f Frame) bool {
	select {
	case s.sendCh <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, s.conn, f)
			cancel()
			if err != nil {
				s.close()
				return
			}
		}
	}
}

// readLoop processes inbound frames until the connection drops or the
// session closes. Malformed JSON tears the connection down; a valid
// frame with an unknown type gets an error frame and the connection
// stays open.
func (s *session) readLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			return
		}

		switch frame.Type {
		case FramePing:
			s.send(pongFrame())
		case FrameMessage:
			s.handleMessage(ctx, frame)
		default:
			s.send(errorFrame(domain.CodeInvalidFormat, fmt.Sprintf("unknown frame type %q", frame.Type)))
		}
	}
}

func (s *session) handleMessage(ctx context.Context, frame Frame) {
	if strings.TrimSpace(frame.Content) == "" {
		s.send(errorFrame(domain.CodeInvalidFormat, "message content must be non-empty"))
		return
	}

	threadID := frame.ThreadID
	if threadID == "" {
		// New conversation. The minted id reaches the client in the
		// turn's complete frame.
		threadID = domain.NewID(time.Now())
	}

	if err := s.owner.Authorize(ctx, s.userID, threadID); err != nil {
		s.logger.Warn("thread access rejected",
			"thread_id", threadID,
			"user_id", s.userID,
			"error", err)
		s.send(errorFrame(domain.ErrorCodeOf(err), "thread access denied"))
		return
	}

	s.enqueue(ctx, queuedTurn{threadID: threadID, text: frame.Content})
}

// enqueue adds the turn to its thread's FIFO queue, creating the queue
// worker on first use. A full queue is reported instead of blocking
// the read loop (pings must keep flowing).
func (s *session) enqueue(ctx context.Context, turn queuedTurn) {
	s.mu.Lock()
	q, ok := s.queues[turn.threadID]
	if !ok {
		q = make(chan queuedTurn, s.queueDepth)
		s.queues[turn.threadID] = q
		s.wg.Add(1)
		go s.worker(ctx, q)
	}
	s.mu.Unlock()

	select {
	case q <- turn:
	default:
		s.send(errorFrame(domain.CodeInternalError, "too many queued turns for thread"))
	}
}

// worker drains one thread's queue, one turn at a time. The next turn
// starts only after the previous turn's terminal frame is queued.
func (s *session) worker(ctx context.Context, q chan queuedTurn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case turn := <-q:
			s.runTurn(ctx, turn)
		}
	}
}

func (s *session) runTurn(ctx context.Context, turn queuedTurn) {
	res, err := s.runner.Run(ctx, turn.threadID, s.userID, turn.text, &frameEmitter{s: s})
	if err != nil {
		s.send(errorFrame(domain.ErrorCodeOf(err), err.Error()))
		return
	}
	s.send(completeFrame(res.ThreadID, res.MessageID))
}

// frameEmitter translates loop events into wire frames on the
// session's ordered send queue.
type frameEmitter struct {
	s *session
}

var _ domain.TurnEmitter = (*frameEmitter)(nil)

func (e *frameEmitter) EmitToken(content string) {
	e.s.send(tokenFrame(content))
}

func (e *frameEmitter) EmitToolStart(toolName string, args json.RawMessage) {
	e.s.send(toolStartFrame(toolName, args))
}

func (e *frameEmitter) EmitToolComplete(toolName, result string) {
	e.s.send(toolCompleteFrame(toolName, result))
}
