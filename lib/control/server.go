// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/cursor"
	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/join"
	"github.com/bureau-foundation/hearth/lib/presence"
	"github.com/bureau-foundation/hearth/lib/quarantine"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/room"
)

// writeTimeout bounds each response frame write. A client that stops
// reading mid-stream loses the connection rather than pinning a
// handler.
const writeTimeout = 10 * time.Second

// handlerFunc processes one request. raw is the full CBOR request
// frame including the "cmd" field. send emits an intermediate More
// frame; the returned value (or error) becomes the terminal frame.
type handlerFunc func(ctx context.Context, raw []byte, send func(any) error) (any, error)

// Options configures a Server. SocketPath, Self, Store, Rooms,
// Cursors, Presence, and Reports are required; Joins may be nil when
// federation is disabled, in which case the join command fails.
type Options struct {
	SocketPath string
	Self       ref.ServerName
	Store      *eventstore.Store
	Rooms      *room.Manager
	Cursors    *cursor.Manager
	Presence   *presence.Tracker
	Reports    *quarantine.Store
	Joins      *join.Coordinator

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server serves the local control protocol on a unix socket:
// length-prefixed CBOR frames, several requests per connection,
// streaming responses for the stream and join commands. This is local
// IPC for colocated transport shims and operator tooling, not the
// federation wire protocol.
type Server struct {
	options  Options
	logger   *slog.Logger
	handlers map[string]handlerFunc
	started  time.Time

	activeConnections sync.WaitGroup
}

// NewServer validates the options and builds the command table.
func NewServer(options Options) (*Server, error) {
	if options.SocketPath == "" {
		return nil, fmt.Errorf("control server requires a socket path")
	}
	if options.Self.IsZero() {
		return nil, fmt.Errorf("control server requires a server name")
	}
	if options.Store == nil || options.Rooms == nil || options.Cursors == nil || options.Presence == nil || options.Reports == nil {
		return nil, fmt.Errorf("control server requires a store, room manager, cursor manager, presence tracker, and quarantine store")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		options: options,
		logger:  logger,
		started: time.Now(),
	}
	s.handlers = map[string]handlerFunc{
		CmdSubmit:   s.handleSubmit,
		CmdFetch:    s.handleFetch,
		CmdSnapshot: s.handleSnapshot,
		CmdResume:   s.handleResume,
		CmdAdvance:  s.handleAdvance,
		CmdStream:   s.handleStream,
		CmdPresence: s.handlePresence,
		CmdJoin:     s.handleJoin,
		CmdStatus:   s.handleStatus,
	}
	return s, nil
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight handlers. Any stale socket file at the configured path is
// removed before listening, and the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.options.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.options.SocketPath, err)
	}

	listener, err := net.Listen("unix", s.options.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.options.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.options.SocketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.options.SocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("control accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection serves request frames until the client hangs up or
// sends something unframeable. Request failures are answered on the
// wire and keep the connection open.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		raw, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Debug("control connection read failed", "error", err)
			}
			return
		}

		var header struct {
			Cmd string `cbor:"cmd"`
		}
		if err := codec.Unmarshal(raw, &header); err != nil {
			s.writeError(conn, fmt.Errorf("invalid request: %w", err))
			return
		}
		if header.Cmd == "" {
			s.writeError(conn, fmt.Errorf("missing required field: cmd"))
			continue
		}

		handler, exists := s.handlers[header.Cmd]
		if !exists {
			s.writeError(conn, fmt.Errorf("unknown command %q", header.Cmd))
			continue
		}

		send := func(v any) error {
			data, err := codec.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding stream frame: %w", err)
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			return writeFrame(conn, Response{OK: true, More: true, Data: data})
		}

		result, err := handler(ctx, raw, send)
		if err != nil {
			s.logger.Debug("control command failed", "cmd", header.Cmd, "error", err)
			if !s.writeError(conn, err) {
				return
			}
			continue
		}
		if !s.writeSuccess(conn, result) {
			return
		}
	}
}

// writeError sends the terminal failure frame. Returns false when the
// write itself failed and the connection should close.
func (s *Server) writeError(conn net.Conn, failure error) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{
		OK:    false,
		Code:  errs.Code(failure),
		Error: failure.Error(),
	}
	if err := writeFrame(conn, response); err != nil {
		s.logger.Debug("control response write failed", "error", err)
		return false
	}
	return true
}

// writeSuccess sends the terminal success frame. A nil result yields
// a bare {ok: true}.
func (s *Server) writeSuccess(conn net.Conn, result any) bool {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return s.writeError(conn, fmt.Errorf("internal: encoding response: %w", err))
		}
		response.Data = data
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(conn, response); err != nil {
		s.logger.Debug("control response write failed", "error", err)
		return false
	}
	return true
}

func (s *Server) handleSubmit(ctx context.Context, raw []byte, _ func(any) error) (any, error) {
	var request SubmitRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding submit request: %w", err)
	}
	if request.Event == nil {
		return nil, fmt.Errorf("submit request carries no event")
	}
	seq, err := s.options.Rooms.Submit(ctx, request.Event)
	if err != nil {
		return nil, err
	}
	return SubmitResult{Seq: seq, EventID: request.Event.ID}, nil
}

func (s *Server) handleFetch(ctx context.Context, raw []byte, _ func(any) error) (any, error) {
	var request FetchRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding fetch request: %w", err)
	}
	if request.EventID.IsZero() {
		return nil, fmt.Errorf("fetch request carries no event ID")
	}
	e, err := s.options.Store.Get(ctx, request.EventID)
	if err != nil {
		return nil, err
	}
	return FetchResult{Event: e}, nil
}

func (s *Server) handleSnapshot(ctx context.Context, raw []byte, _ func(any) error) (any, error) {
	var request SnapshotRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding snapshot request: %w", err)
	}
	if request.Room.IsZero() {
		return nil, fmt.Errorf("snapshot request carries no room ID")
	}
	snapshot, err := s.options.Rooms.Snapshot(ctx, request.Room)
	if err != nil {
		return nil, err
	}

	entries := make([]StateEntry, 0, len(snapshot.State))
	for _, tuple := range snapshot.State.SortedTuples() {
		entries = append(entries, StateEntry{
			Type:     tuple.Type,
			StateKey: tuple.StateKey,
			EventID:  snapshot.State[tuple],
		})
	}
	return SnapshotResult{
		Room:        snapshot.RoomID,
		Version:     snapshot.Version,
		Seq:         snapshot.Seq,
		Extremities: snapshot.Extremities,
		State:       entries,
	}, nil
}

func (s *Server) handleResume(ctx context.Context, raw []byte, _ func(any) error) (any, error) {
	var request ResumeRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding resume request: %w", err)
	}
	if request.Connection.IsZero() {
		return nil, fmt.Errorf("resume request carries no connection ID")
	}
	token, err := s.options.Cursors.Resume(ctx, request.Connection, request.Token)
	if err != nil {
		// A below-retention token still resumes; the gap flag tells
		// the client to resync before trusting the stream.
		if errs.Is(err, errs.CodeCursorExpired) {
			return ResumeResult{Token: token, Gap: true}, nil
		}
		return nil, err
	}
	return ResumeResult{Token: token}, nil
}

func (s *Server) handleAdvance(ctx context.Context, raw []byte, _ func(any) error) (any, error) {
	var request AdvanceRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding advance request: %w", err)
	}
	if request.Connection.IsZero() {
		return nil, fmt.Errorf("advance request carries no connection ID")
	}
	if err := s.options.Cursors.Advance(ctx, request.Connection, request.Token); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleStream(ctx context.Context, raw []byte, send func(any) error) (any, error) {
	var request StreamRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding stream request: %w", err)
	}
	if request.Connection.IsZero() {
		return nil, fmt.Errorf("stream request carries no connection ID")
	}
	token, err := s.options.Cursors.Stream(ctx, request.Connection, func(seq uint64, e *event.Event) error {
		return send(StreamDelta{Seq: seq, Event: e})
	})
	if err != nil {
		return nil, err
	}
	return StreamResult{Token: token}, nil
}

func (s *Server) handlePresence(ctx context.Context, raw []byte, _ func(any) error) (any, error) {
	var request PresenceRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding presence request: %w", err)
	}
	if request.User.IsZero() {
		return nil, fmt.Errorf("presence request carries no user ID")
	}
	if request.Device.IsZero() {
		return nil, fmt.Errorf("presence request carries no device ID")
	}
	status, err := presence.ParseStatus(request.Status)
	if err != nil {
		return nil, err
	}
	s.options.Presence.Set(request.User, request.Device, status, request.StatusMsg)
	return nil, nil
}

func (s *Server) handleJoin(ctx context.Context, raw []byte, send func(any) error) (any, error) {
	if s.options.Joins == nil {
		return nil, fmt.Errorf("federation join is not enabled on this server")
	}
	var request JoinRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding join request: %w", err)
	}
	if request.Room.IsZero() || request.User.IsZero() {
		return nil, fmt.Errorf("join request requires a room and user ID")
	}

	// Phase transitions go to the client as they happen; a client that
	// stops reading aborts the attempt through the send error.
	var sendErr error
	notify := func(update join.Update) {
		if sendErr != nil {
			return
		}
		frame := JoinUpdate{
			Attempt: update.Attempt,
			Phase:   update.Phase.String(),
		}
		if !update.Server.IsZero() {
			frame.Server = update.Server.String()
		}
		if update.Err != nil {
			frame.Error = update.Err.Error()
		}
		sendErr = send(frame)
	}

	err := s.options.Joins.Join(ctx, join.Request{
		Room: request.Room,
		User: request.User,
		Via:  request.Via,
	}, notify)
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return nil, nil
}

func (s *Server) handleStatus(ctx context.Context, raw []byte, _ func(any) error) (any, error) {
	quarantined, err := s.options.Reports.List()
	if err != nil {
		return nil, fmt.Errorf("listing quarantined rooms: %w", err)
	}
	return StatusResult{
		Server:           s.options.Self,
		LatestCommitted:  s.options.Store.LatestCommitted(),
		EarliestRetained: s.options.Store.EarliestRetained(),
		Quarantined:      quarantined,
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
	}, nil
}
