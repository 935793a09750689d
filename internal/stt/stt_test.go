package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/natsserver"
	"github.com/loqalabs/jerga/internal/protocol"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := testLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestMockRecognizerReplaysScript(t *testing.T) {
	rec := NewMockRecognizer("uno dos tres cuatro", "cinco")
	ctx := context.Background()
	pcm := []byte{0, 0}

	partial, _ := rec.Transcribe(ctx, pcm, 16000, 1, false)
	if partial.Text != "uno dos" {
		t.Fatalf("unexpected partial %q", partial.Text)
	}
	first, _ := rec.Transcribe(ctx, pcm, 16000, 1, true)
	second, _ := rec.Transcribe(ctx, pcm, 16000, 1, true)
	third, _ := rec.Transcribe(ctx, pcm, 16000, 1, true)
	if first.Text != "uno dos tres cuatro" || second.Text != "cinco" || third.Text != "uno dos tres cuatro" {
		t.Fatalf("unexpected script order: %q %q %q", first.Text, second.Text, third.Text)
	}
}

func TestNewRecognizerModes(t *testing.T) {
	if _, err := NewRecognizer(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for exec without command")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "deepgram"}); err == nil {
		t.Fatal("expected error for deepgram without key")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "whisper"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestDeepgramRecognizer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/listen" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("model") != "nova-3" || q.Get("language") != "es" || q.Get("smart_format") != "true" || q.Get("punctuate") != "true" {
			t.Errorf("unexpected query %v", q)
		}
		if got := r.Header.Get("Authorization"); got != "Token dg-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "audio/wav" {
			t.Errorf("unexpected content type %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.HasPrefix(string(body), "RIFF") {
			t.Errorf("expected wav body")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":" me gosteó ayer ","confidence":0.93}]}]}}`))
	}))
	defer server.Close()

	rec, err := NewDeepgramRecognizer(config.STTConfig{
		Endpoint:    server.URL + "/",
		APIKey:      "dg-key",
		Model:       "nova-3",
		Language:    "es",
		SmartFormat: true,
		Punctuate:   true,
	})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}

	res, err := rec.Transcribe(context.Background(), make([]byte, 3200), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "me gosteó ayer" || res.Confidence != 0.93 {
		t.Fatalf("unexpected result %+v", res)
	}

	partial, err := rec.Transcribe(context.Background(), make([]byte, 3200), 16000, 1, false)
	if err != nil || partial.Text != "" {
		t.Fatalf("expected partials to be skipped, got %+v %v", partial, err)
	}
}

func TestDeepgramRecognizerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	rec, err := NewDeepgramRecognizer(config.STTConfig{Endpoint: server.URL, APIKey: "bad"})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	_, err = rec.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestWritePCMRejectsOddLength(t *testing.T) {
	if err := writePCMToWav(nil, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestServicePublishesFinalTranscript(t *testing.T) {
	client := startBus(t)

	finals := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	cfg := config.Default().STT
	cfg.Enabled = true
	cfg.PublishInterim = false
	svc := NewService(context.Background(), cfg, client, NewMockRecognizer("la gente chipea mucho"))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	frames := []protocol.AudioFrame{
		{SessionID: "s1", Sequence: 0, SampleRate: 16000, Channels: 1, PCM: make([]byte, 640)},
		{SessionID: "s1", Sequence: 1, SampleRate: 16000, Channels: 1, PCM: make([]byte, 640), Final: true},
	}
	for _, frame := range frames {
		if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".s1", frame); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}
	_ = client.Conn().Flush()

	select {
	case msg := <-finals:
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if transcript.SessionID != "s1" || transcript.Text != "la gente chipea mucho" || transcript.Partial {
			t.Fatalf("unexpected transcript %+v", transcript)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
}

func TestFramesFromWAV(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "feed_*.wav")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer file.Close()

	pcm := make([]byte, 10*2)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100-400)))
	}
	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}

	frames, err := FramesFromWAV(file, "s1", 4)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[0].PCM) != 8 || len(frames[2].PCM) != 4 {
		t.Fatalf("unexpected frame sizes %d/%d", len(frames[0].PCM), len(frames[2].PCM))
	}
	if frames[0].Final || frames[1].Final || !frames[2].Final {
		t.Fatal("only the last frame should be final")
	}
	if frames[2].Sequence != 2 || frames[0].SampleRate != 16000 || frames[0].SessionID != "s1" {
		t.Fatalf("unexpected frame metadata %+v", frames[2])
	}
	var joined []byte
	for _, f := range frames {
		joined = append(joined, f.PCM...)
	}
	if !bytes.Equal(joined, pcm) {
		t.Fatal("pcm did not round-trip through wav")
	}
}

func TestFramesFromWAVRejectsGarbage(t *testing.T) {
	if _, err := FramesFromWAV(bytes.NewReader([]byte("not audio at all")), "s1", 0); err == nil {
		t.Fatal("expected error for non-wav input")
	}
}
