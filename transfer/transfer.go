// Package transfer drives one metadata/data exchange with a sensor.
//
// A Session walks through
//
//	Idle -> AwaitMeta -> MetaReady -> AwaitData -> Complete
//
// and ends in Failed on timeout, link loss or an invalid frame. The sensor
// answers the metadata command once and each data command with at most one
// data frame; an unanswered data command is simply repeated after the poll
// interval.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Lazloian/EMI-Analyzer/codec"
	"github.com/Lazloian/EMI-Analyzer/link"
	"github.com/Lazloian/EMI-Analyzer/metrics"
	"github.com/Lazloian/EMI-Analyzer/sweep"
)

// DefaultPollInterval is how long the session waits for a reply to a data command
const DefaultPollInterval = 100 * time.Millisecond

var (
	// ErrTimeout is returned when the session deadline expires
	ErrTimeout = errors.New("transfer timed out")

	// ErrLinkError is returned when the link fails to send or receive
	ErrLinkError = errors.New("link error")

	// ErrUnexpectedFrame is returned for a frame the current state cannot accept
	ErrUnexpectedFrame = errors.New("unexpected frame")
)

// State of a Session
type State int

const (
	Idle State = iota
	AwaitMeta
	MetaReady
	AwaitData
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitMeta:
		return "await-meta"
	case MetaReady:
		return "meta-ready"
	case AwaitData:
		return "await-data"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the transfer state of one connection. It is not safe for
// concurrent use and cannot be restarted; dial again for a new sweep.
type Session struct {
	link         link.Link
	codec        *codec.Codec
	logger       *slog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	metaCommand  []byte
	dataCommand  []byte

	state     State
	err       error
	meta      codec.DeviceMetadata
	assembler *sweep.Assembler
	polls     int
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger for the session
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithPollInterval sets how long to wait for each data frame before asking again
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pollInterval = d
	}
}

// WithCommands overrides the metadata and data request commands
func WithCommands(meta, data []byte) Option {
	return func(s *Session) {
		s.metaCommand = meta
		s.dataCommand = data
	}
}

// WithCodec sets the frame codec, e.g. one with a non-default byte order
func WithCodec(c *codec.Codec) Option {
	return func(s *Session) {
		s.codec = c
	}
}

// WithMetrics records frame counters in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// NewSession returns an idle session over l
func NewSession(l link.Link, options ...Option) *Session {
	s := &Session{
		link:         l,
		codec:        codec.New(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		pollInterval: DefaultPollInterval,
		metaCommand:  []byte("0"),
		dataCommand:  []byte("1"),
		assembler:    sweep.NewAssembler(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Err returns the error that moved the session to Failed
func (s *Session) Err() error {
	return s.err
}

// Polls returns the number of data commands sent
func (s *Session) Polls() int {
	return s.polls
}

// Received returns the number of points received so far
func (s *Session) Received() int {
	return s.assembler.Len()
}

func (s *Session) fail(err error) error {
	s.state = Failed
	s.err = err
	return err
}

func (s *Session) done() error {
	if s.state == Failed {
		return fmt.Errorf("session failed: %w", s.err)
	}
	return fmt.Errorf("%w: session is %v", ErrUnexpectedFrame, s.state)
}

// RequestMetadata sends the metadata command. Valid only in Idle.
func (s *Session) RequestMetadata(ctx context.Context) error {
	if s.state != Idle {
		return fmt.Errorf("cannot request metadata in state %v", s.state)
	}
	if err := s.link.Send(ctx, s.metaCommand); err != nil {
		return s.linkFailed(ctx, err)
	}
	s.state = AwaitMeta
	return nil
}

// RequestData sends the data command. Valid in MetaReady and AwaitData.
func (s *Session) RequestData(ctx context.Context) error {
	if s.state != MetaReady && s.state != AwaitData {
		return fmt.Errorf("cannot request data in state %v", s.state)
	}
	if err := s.link.Send(ctx, s.dataCommand); err != nil {
		return s.linkFailed(ctx, err)
	}
	s.polls++
	s.metrics.Poll()
	s.state = AwaitData
	return nil
}

// HandleFrame applies one received frame. An error other than one returned
// in Complete or Failed moves the session to Failed.
func (s *Session) HandleFrame(raw []byte) error {
	if s.state == Complete || s.state == Failed {
		return s.done()
	}

	frame, err := s.codec.Decode(raw)
	if err != nil {
		s.metrics.FrameRejected()
		return s.fail(err)
	}

	switch frame.Kind {
	case codec.Metadata:
		return s.handleMetadata(frame.Meta)
	default:
		return s.handleData(frame.Points)
	}
}

func (s *Session) handleMetadata(meta codec.DeviceMetadata) error {
	switch s.state {
	case AwaitMeta:
	case MetaReady, AwaitData:
		if meta.FrequencyCount == s.meta.FrequencyCount {
			s.logger.Debug("ignoring repeated metadata frame")
			s.metrics.FrameDecoded(codec.Metadata.String())
			return nil
		}
		s.metrics.FrameRejected()
		return s.fail(fmt.Errorf("%w: metadata announces %d points, earlier metadata announced %d",
			ErrUnexpectedFrame, meta.FrequencyCount, s.meta.FrequencyCount))
	default:
		s.metrics.FrameRejected()
		return s.fail(fmt.Errorf("%w: metadata frame in state %v", ErrUnexpectedFrame, s.state))
	}

	if err := s.assembler.Expect(meta.FrequencyCount); err != nil {
		return s.fail(err)
	}
	s.meta = meta
	s.metrics.FrameDecoded(codec.Metadata.String())
	s.logger.Debug("metadata received",
		slog.Uint64("frequency_count", uint64(meta.FrequencyCount)),
		slog.Uint64("sensor_time", uint64(meta.SensorTime)),
		slog.Uint64("temperature", uint64(meta.Temperature)))

	if meta.FrequencyCount == 0 {
		s.state = Complete
		return nil
	}
	s.state = MetaReady
	return nil
}

func (s *Session) handleData(points []sweep.Point) error {
	if s.state != MetaReady && s.state != AwaitData {
		s.metrics.FrameRejected()
		return s.fail(fmt.Errorf("%w: data frame in state %v", ErrUnexpectedFrame, s.state))
	}
	if err := s.assembler.Append(points); err != nil {
		s.metrics.FrameRejected()
		return s.fail(err)
	}
	s.metrics.FrameDecoded(codec.Data.String())
	s.logger.Debug("data received", slog.Int("points", len(points)), slog.Int("total", s.assembler.Len()))

	if complete, _ := s.assembler.IsComplete(); complete {
		s.state = Complete
	} else {
		s.state = AwaitData
	}
	return nil
}

// Batch returns the completed sweep. Hub fields of the metadata are left
// for the caller to fill in.
func (s *Session) Batch() (*sweep.Batch, error) {
	if s.state != Complete {
		return nil, fmt.Errorf("session is %v, not complete", s.state)
	}
	return &sweep.Batch{
		Metadata: sweep.Metadata{
			FrequencyCount: s.meta.FrequencyCount,
			SensorTime:     s.meta.SensorTime,
			Temperature:    s.meta.Temperature,
		},
		Points: s.assembler.Points(),
	}, nil
}

// Run performs the whole exchange and returns the sweep. The deadline of
// ctx bounds the transfer; when it expires the error is ErrTimeout.
func (s *Session) Run(ctx context.Context) (*sweep.Batch, error) {
	if err := s.RequestMetadata(ctx); err != nil {
		return nil, err
	}

	for s.state != Complete {
		switch s.state {
		case AwaitMeta:
			frame, err := s.link.Receive(ctx)
			if err != nil {
				return nil, s.linkFailed(ctx, err)
			}
			if err := s.HandleFrame(frame); err != nil {
				return nil, err
			}

		case MetaReady, AwaitData:
			if err := s.RequestData(ctx); err != nil {
				return nil, s.linkFailed(ctx, err)
			}
			if err := s.awaitData(ctx); err != nil {
				return nil, err
			}

		default:
			return nil, s.done()
		}
	}

	s.logger.Debug("transfer complete", slog.Int("points", s.assembler.Len()), slog.Int("polls", s.polls))
	return s.Batch()
}

// awaitData waits one poll interval for a data frame. No frame is not an error.
func (s *Session) awaitData(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.pollInterval)
	defer cancel()

	frame, err := s.link.Receive(pollCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return s.linkFailed(ctx, err)
	}
	return s.HandleFrame(frame)
}

// linkFailed maps a send or receive error to the session error. An
// expired ctx deadline is ErrTimeout whatever the link reported.
func (s *Session) linkFailed(ctx context.Context, err error) error {
	if s.state == Failed {
		return s.err
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return s.fail(fmt.Errorf("%w in state %v after %d of %d points", ErrTimeout, s.state, s.assembler.Len(), s.meta.FrequencyCount))
	case ctx.Err() != nil:
		return s.fail(ctx.Err())
	}
	return s.fail(fmt.Errorf("%w: %w", ErrLinkError, err))
}
