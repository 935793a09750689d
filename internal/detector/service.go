// Package detector flags slang in final transcripts and republishes every
// transcript for viewers.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/eventstore"
	"github.com/loqalabs/jerga/internal/protocol"
	"github.com/loqalabs/jerga/internal/slang"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/jerga/detector"

// Recorder persists flagged utterances. *eventstore.Store satisfies it.
type Recorder interface {
	RecordUtterance(ctx context.Context, u eventstore.Utterance) error
}

type Service struct {
	cfg        config.DetectorConfig
	bus        *bus.Client
	logger     *slog.Logger
	set        *slang.Set
	recorder   Recorder
	subFinal   *nats.Subscription
	subPartial *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc

	tracer   trace.Tracer
	scans    metric.Int64Counter
	matches  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewService wires a detector over set. recorder may be nil.
func NewService(parent context.Context, cfg config.DetectorConfig, busClient *bus.Client, set *slang.Set, recorder Recorder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "detector")),
		set:      set,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.scans, err = meter.Int64Counter("jerga.detector.scans",
		metric.WithDescription("Final transcripts scanned for slang")); err != nil {
		return err
	}
	if s.matches, err = meter.Int64Counter("jerga.detector.matches",
		metric.WithDescription("Slang matches by generation")); err != nil {
		return err
	}
	s.duration, err = meter.Float64Histogram("jerga.detector.scan_duration",
		metric.WithDescription("Time spent scanning one transcript"),
		metric.WithUnit("ms"))
	return err
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleFinal)
	if err != nil {
		return fmt.Errorf("subscribe final transcripts: %w", err)
	}
	s.subFinal = sub

	if s.cfg.ForwardInterim {
		subPartial, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptPartial, s.handlePartial)
		if err != nil {
			_ = s.subFinal.Drain()
			return fmt.Errorf("subscribe partial transcripts: %w", err)
		}
		s.subPartial = subPartial
	}
	s.logger.Info("detector started", slog.Int("patterns", s.set.Len()), slog.Bool("forward_interim", s.cfg.ForwardInterim))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subFinal != nil {
		_ = s.subFinal.Drain()
	}
	if s.subPartial != nil {
		_ = s.subPartial.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.subFinal != nil
}

func (s *Service) handleFinal(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("detector failed to decode transcript", slogError(err))
		return
	}
	if transcript.Text == "" {
		return
	}

	out := s.Detect(s.ctx, transcript)
	if s.recorder != nil {
		u := eventstore.Utterance{
			ID:        out.UtteranceID,
			SessionID: out.SessionID,
			Text:      out.Text,
			Flags:     out.Flags,
			CreatedAt: out.Timestamp,
		}
		if err := s.recorder.RecordUtterance(s.ctx, u); err != nil {
			s.logger.Warn("failed to record utterance", slog.String("session_id", out.SessionID), slogError(err))
		}
	}
	if err := s.bus.PublishJSON(protocol.SubjectSlangFlags, out); err != nil {
		s.logger.Warn("failed to publish flags", slogError(err))
	}
}

func (s *Service) handlePartial(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("detector failed to decode partial transcript", slogError(err))
		return
	}
	if transcript.Text == "" {
		return
	}
	out := protocol.FlaggedTranscript{
		Type:      protocol.TypeInterim,
		SessionID: transcript.SessionID,
		Text:      transcript.Text,
		Flags:     []protocol.Flag{},
		Timestamp: stamp(transcript.Timestamp),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSlangFlags, out); err != nil {
		s.logger.Warn("failed to forward interim transcript", slogError(err))
	}
}

// Detect scans a final transcript and returns the message viewers receive.
func (s *Service) Detect(ctx context.Context, transcript protocol.Transcript) protocol.FlaggedTranscript {
	_, span := s.tracer.Start(ctx, "detector.scan",
		trace.WithAttributes(attribute.String("session_id", transcript.SessionID)))
	defer span.End()

	started := time.Now()
	found := s.set.Scan(transcript.Text)
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	span.SetAttributes(attribute.Int("matches", len(found)))
	if s.scans != nil {
		s.scans.Add(ctx, 1)
		s.duration.Record(ctx, elapsed)
		for _, m := range found {
			s.matches.Add(ctx, 1, metric.WithAttributes(attribute.String("generation", string(m.Generation))))
		}
	}
	for _, m := range found {
		s.logger.Debug("slang flagged",
			slog.String("session_id", transcript.SessionID),
			slog.String("term", m.Term),
			slog.String("generation", string(m.Generation)))
	}

	return protocol.FlaggedTranscript{
		Type:        protocol.TypeFinal,
		SessionID:   transcript.SessionID,
		UtteranceID: uuid.NewString(),
		Text:        transcript.Text,
		Flags:       Flags(found),
		Timestamp:   stamp(transcript.Timestamp),
	}
}

// Flags converts scanner matches to their wire form. Never nil.
func Flags(matches []slang.Match) []protocol.Flag {
	flags := make([]protocol.Flag, 0, len(matches))
	for _, m := range matches {
		flags = append(flags, protocol.Flag{
			Term:       m.Term,
			Definition: m.Definition,
			Generation: string(m.Generation),
			Start:      m.Start,
			End:        m.End,
			Surface:    m.Surface,
		})
	}
	return flags
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
