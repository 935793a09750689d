package broadcast

import (
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/jerga/internal/protocol"
)

const colorReset = "\033[0m"

var generationColors = map[string]string{
	"gen_z":      "\033[94m",
	"millennial": "\033[95m",
	"boomer":     "\033[93m",
	"regional":   "\033[96m",
}

// Console prints one line per flag:
//
//	<color>[generation]<reset> term → definition
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Print writes the flags of msg. Interim transcripts carry none.
func (c *Console) Print(msg protocol.FlaggedTranscript) {
	if c == nil || len(msg.Flags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range msg.Flags {
		fmt.Fprintf(c.w, "%s[%s]%s %s → %s\n", generationColors[f.Generation], f.Generation, colorReset, f.Term, f.Definition)
	}
}
