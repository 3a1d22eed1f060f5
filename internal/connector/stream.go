package connector

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/servicemap"
)

// wsMessage is the frame format on the streaming surface, in both
// directions.
type wsMessage struct {
	Type         string          `json:"type"`
	JobID        string          `json:"job_id,omitempty"`
	ServiceJobID string          `json:"service_job_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Phase        Phase           `json:"phase,omitempty"`
	Progress     float64         `json:"progress,omitempty"`
	Status       string          `json:"status,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Stream submits and monitors over a persistent websocket. The connection a
// job was submitted on carries its progress events; health checks always
// dial a fresh connection so a wedged stream cannot mask the truth.
type Stream struct {
	base

	mu    sync.Mutex
	conns map[string]*websocket.Conn // job id -> submission connection
}

func NewStream(service string, spec servicemap.ServiceSpec, log *zap.Logger) *Stream {
	return &Stream{base: newBase(service, spec, log), conns: make(map[string]*websocket.Conn)}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.spec.StreamEndpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial stream")
	}
	return conn, nil
}

func (s *Stream) Submit(ctx context.Context, job *domain.Job) (string, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return "", errors.Wrap(domain.ErrSubmissionFailed, err.Error())
	}
	msg := wsMessage{Type: "submit", JobID: job.ID, Payload: job.Payload}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return "", errors.Wrap(domain.ErrSubmissionFailed, err.Error())
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return "", errors.Wrap(domain.ErrSubmissionFailed, err.Error())
	}
	conn.SetReadDeadline(time.Time{})
	if ack.ServiceJobID == "" {
		conn.Close()
		return "", errors.Wrap(domain.ErrSubmissionFailed, "submit not acknowledged")
	}
	s.mu.Lock()
	s.conns[job.ID] = conn
	s.mu.Unlock()
	return ack.ServiceJobID, nil
}

func (s *Stream) takeConn(jobID string) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conns[jobID]
	delete(s.conns, jobID)
	return conn
}

func (s *Stream) Monitor(ctx context.Context, job *domain.Job, onProgress ProgressFunc) (*Event, error) {
	conn := s.takeConn(job.ID)
	if conn == nil {
		var err error
		// re-attach after worker restart or hybrid-style handoff
		conn, err = s.attach(ctx, job)
		if err != nil {
			return nil, err
		}
	}
	defer conn.Close()

	// unblock the read loop when the caller gives up
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if cerr := monitorCancelled(ctx); cerr != nil {
				return nil, cerr
			}
			// dropped stream: the recovery monitor decides what
			// actually happened
			return nil, errors.Wrap(err, "stream read")
		}
		if msg.Type != "event" {
			continue
		}
		ev := Event{Phase: msg.Phase, Progress: msg.Progress, Result: msg.Result, Reason: msg.Reason}
		onProgress(ev)
		if ev.Phase.Terminal() {
			return &ev, nil
		}
	}
}

// attach opens a fresh stream subscribed to an already-submitted job.
func (s *Stream) attach(ctx context.Context, job *domain.Job) (*websocket.Conn, error) {
	if job.ServiceJobID == nil {
		return nil, domain.ErrJobNotFound
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(wsMessage{Type: "attach", ServiceJobID: *job.ServiceJobID}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "attach stream")
	}
	return conn, nil
}

func (s *Stream) Cancel(ctx context.Context, job *domain.Job) error {
	// the submission connection is useless once the job is being torn
	// down; a cancel with no Monitor in between would otherwise leak it
	if held := s.takeConn(job.ID); held != nil {
		held.Close()
	}
	if job.ServiceJobID == nil {
		return nil
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return errors.Wrap(conn.WriteJSON(wsMessage{Type: "cancel", ServiceJobID: *job.ServiceJobID}), "send cancel")
}

// HealthCheck dials a fresh connection and asks for job state directly,
// independent of the submission stream that may have died.
func (s *Stream) HealthCheck(ctx context.Context, job *domain.Job) (*Health, error) {
	if job.ServiceJobID == nil {
		return &Health{State: HealthNotFound}, nil
	}
	conn, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrHealthCheckTimeout
		}
		return nil, err
	}
	defer conn.Close()
	if err := conn.WriteJSON(wsMessage{Type: "status", ServiceJobID: *job.ServiceJobID}); err != nil {
		return nil, errors.Wrap(err, "send status query")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	conn.SetReadDeadline(deadline)
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		if ne, ok := err.(net.Error); (ok && ne.Timeout()) || ctx.Err() != nil {
			return nil, domain.ErrHealthCheckTimeout
		}
		return nil, errors.Wrap(err, "read status reply")
	}
	return healthFromStatus(&statusResponse{
		Status:   msg.Status,
		Progress: msg.Progress,
		Result:   msg.Result,
		Error:    msg.Reason,
	}), nil
}
