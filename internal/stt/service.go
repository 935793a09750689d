package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service buffers audio frames per session and publishes transcripts on
// stt.text.partial and stt.text.final.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	log        *slog.Logger
	recognizer Recognizer
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	buffer       []byte
	sampleRate   int
	channels     int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		recognizer: recognizer,
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.log.Info("stt service started", slog.String("mode", s.cfg.Mode), slog.String("language", s.cfg.Language))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.sessions[frame.SessionID] = state
	}
	if frame.SampleRate > 0 {
		state.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.channels = frame.Channels
	}
	state.buffer = append(state.buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	if state.lastPartial.IsZero() {
		state.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.lastPartial) >= interval {
		state.lastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.buffer...)
	sampleRate, channels := state.sampleRate, state.channels
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, sampleRate, channels, final)
		if err != nil {
			s.log.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		} else {
			s.publishTranscript(sessionID, result, final)
		}

		s.mu.Lock()
		var pendingFinal bool
		if state := s.sessions[sessionID]; state != nil {
			state.inflight = false
			pendingFinal = state.pendingFinal
			if final {
				delete(s.sessions, sessionID)
			} else {
				state.lastPartial = time.Now()
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult, final bool) {
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
