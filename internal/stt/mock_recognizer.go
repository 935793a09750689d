package stt

import (
	"context"
	"strings"
	"sync"
)

// DefaultScript is what the mock recognizer says when no script is given.
var DefaultScript = []string{
	"la gente chipea demasiado a esos dos",
	"me gosteó después de la primera cita, no cap",
	"ese bro llegó tarde otra vez",
}

type mockRecognizer struct {
	mu     sync.Mutex
	script []string
	next   int
}

// NewMockRecognizer returns a recognizer that replays script, one line per
// final transcript. Partials return the first half of the upcoming line.
func NewMockRecognizer(script ...string) Recognizer {
	if len(script) == 0 {
		script = DefaultScript
	}
	return &mockRecognizer{script: script}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	line := m.script[m.next%len(m.script)]
	if !final {
		words := strings.Fields(line)
		return TranscriptResult{Text: strings.Join(words[:(len(words)+1)/2], " ")}, nil
	}
	m.next++
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	return TranscriptResult{Text: line, Confidence: 1}, nil
}
