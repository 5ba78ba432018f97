package transport

import (
	"context"
	"fmt"

	"github.com/fieldmesh/sds/pkg/sds/clock"
	"github.com/fieldmesh/sds/pkg/sds/codec"
	"github.com/fieldmesh/sds/pkg/sds/log"
	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
)

// State is one state of the connection supervisor state machine.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateBackoff
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

const (
	backoffInitialMS = 1000
	backoffMaxMS     = 60000
)

// Supervisor drives the reconnect-with-backoff state machine around a
// Transport: a retryable, non-blocking state machine with an
// exponential backoff and a hard cap.
type Supervisor struct {
	transport Transport
	clk       clock.Clock
	nodeID    string

	state         State
	backoffMS     uint32
	lastAttemptMS uint32
	reconnectCnt  uint64

	opts ConnectOptions

	onError func(error)
}

// NewSupervisor builds a Supervisor in StateUninitialized.
func NewSupervisor(t Transport, clk clock.Clock, nodeID string) *Supervisor {
	return &Supervisor{transport: t, clk: clk, nodeID: nodeID, state: StateUninitialized}
}

// State returns the current state.
func (s *Supervisor) State() State { return s.state }

// ReconnectCount returns the number of successful reconnects (not
// counting the initial connect).
func (s *Supervisor) ReconnectCount() uint64 { return s.reconnectCnt }

// SetErrorCallback registers the handler invoked on reconnect failure.
func (s *Supervisor) SetErrorCallback(fn func(error)) { s.onError = fn }

// lwtTopic is the retained last-will announcement topic for this node.
func (s *Supervisor) lwtTopic() string {
	return fmt.Sprintf("sds/lwt/%s", s.nodeID)
}

func (s *Supervisor) lwtPayload(online bool, tsMS uint32) []byte {
	buf := make([]byte, 256)
	w := codec.NewWriter(buf)
	w.Begin()
	w.SetBool("online", online)
	w.SetString("node", s.nodeID)
	w.SetUint("ts", uint64(tsMS))
	w.End()
	return w.Bytes()
}

// Connect performs the initial connect, attaching the broker-level LWT
// (graceful offline announcement) so a disorderly disconnect still
// leaves the fleet able to see this node go offline.
func (s *Supervisor) Connect(ctx context.Context, opts ConnectOptions) error {
	if s.state != StateUninitialized {
		return sdserrors.ErrAlreadyInitialized
	}
	s.opts = opts
	s.opts.Will = &Will{
		Topic:    s.lwtTopic(),
		Payload:  s.lwtPayload(false, 0),
		Retained: true,
	}
	s.state = StateConnecting
	if err := s.transport.Connect(ctx, s.opts); err != nil {
		s.state = StateBackoff
		s.backoffMS = backoffInitialMS
		s.lastAttemptMS = s.clk.NowMS()
		return sdserrors.ErrTransportConnectFailed
	}
	s.state = StateReady
	s.backoffMS = 0
	return s.publishLWTRegistration(ctx)
}

// publishLWTRegistration republishes the retained offline LWT record on
// every successful (re)connect.
func (s *Supervisor) publishLWTRegistration(ctx context.Context) error {
	return s.transport.Publish(ctx, s.lwtTopic(), s.lwtPayload(false, 0), true)
}

// HandleDisconnect transitions Ready -> Backoff when the transport
// reports an involuntary disconnect.
func (s *Supervisor) HandleDisconnect() {
	if s.state != StateReady {
		return
	}
	s.state = StateBackoff
	s.backoffMS = backoffInitialMS
	s.lastAttemptMS = s.clk.NowMS()
}

// Tick runs one supervisor step. In StateBackoff it attempts a reconnect
// once the backoff interval has elapsed; on success it calls
// onReconnected (the façade's re-subscribe-all-active-tables hook) and
// transitions to Ready, firing the error callback only on failure.
func (s *Supervisor) Tick(ctx context.Context, now uint32, onReconnected func() error) {
	if s.state != StateBackoff {
		return
	}
	if now-s.lastAttemptMS < s.backoffMS {
		return
	}
	s.lastAttemptMS = now
	if err := s.transport.Connect(ctx, s.opts); err != nil {
		s.backoffMS *= 2
		if s.backoffMS > backoffMaxMS {
			s.backoffMS = backoffMaxMS
		}
		if s.onError != nil {
			s.onError(fmt.Errorf("%w: %v", sdserrors.ErrTransportDisconnected, err))
		}
		log.WithNode(s.nodeID).WithField("backoff_ms", s.backoffMS).Warn("reconnect attempt failed")
		return
	}
	s.state = StateReady
	s.backoffMS = 0
	s.reconnectCnt++
	if err := s.publishLWTRegistration(ctx); err != nil {
		log.WithNode(s.nodeID).WithError(err).Warn("failed to republish lwt registration after reconnect")
	}
	if onReconnected != nil {
		if err := onReconnected(); err != nil {
			log.WithNode(s.nodeID).WithError(err).Warn("re-subscribe after reconnect failed")
		}
	}
}

// Shutdown publishes the graceful-offline LWT (preempting the broker's
// own last will), disconnects, and transitions to Uninitialized.
func (s *Supervisor) Shutdown(ctx context.Context, nowMS uint32) error {
	if s.state == StateUninitialized {
		return nil
	}
	s.state = StateShuttingDown
	err := s.transport.Publish(ctx, s.lwtTopic(), s.lwtPayload(false, nowMS), true)
	s.transport.Disconnect()
	s.state = StateUninitialized
	return err
}
