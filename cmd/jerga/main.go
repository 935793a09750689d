package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/jerga/internal/broadcast"
	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/detector"
	"github.com/loqalabs/jerga/internal/dictionary"
	"github.com/loqalabs/jerga/internal/protocol"
	"github.com/loqalabs/jerga/internal/runtime"
	"github.com/loqalabs/jerga/internal/slang"
	"github.com/loqalabs/jerga/internal/stt"
)

var version = "0.1.0-dev"

const usage = "usage: jerga <scan|variants|validate|feed|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "variants":
		err = runVariants(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "feed":
		err = runFeed(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type dictionaryFlags struct {
	configPath string
	dir        string
	policy     string
}

func (d *dictionaryFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&d.dir, "dict", "", "Dictionary directory (overrides config)")
	fs.StringVar(&d.policy, "duplicates", "", "Duplicate policy: keep_all or last_wins (overrides config)")
}

func (d *dictionaryFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return cfg, err
	}
	if d.dir != "" {
		cfg.Dictionary.Directory = d.dir
	}
	if d.policy != "" {
		cfg.Dictionary.DuplicatePolicy = d.policy
	}
	return cfg, nil
}

func (d *dictionaryFlags) load() (*slang.Set, error) {
	cfg, err := d.loadConfig()
	if err != nil {
		return nil, err
	}
	return runtime.LoadSet(cfg.Dictionary, runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel))
}

// runScan flags the text given as arguments, or each line of stdin.
func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	var dict dictionaryFlags
	dict.register(fs)
	asJSON := fs.Bool("json", false, "Print matches as JSON, one object per input")
	fs.Parse(args)

	set, err := dict.load()
	if err != nil {
		return err
	}

	console := broadcast.NewConsole(os.Stdout)
	enc := json.NewEncoder(os.Stdout)
	emit := func(text string) error {
		matches := set.Scan(text)
		if *asJSON {
			return enc.Encode(map[string]any{"text": text, "matches": matches})
		}
		console.Print(protocol.FlaggedTranscript{Type: protocol.TypeFinal, Text: text, Flags: detector.Flags(matches)})
		return nil
	}

	if fs.NArg() > 0 {
		return emit(strings.Join(fs.Args(), " "))
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := emit(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// runVariants prints the spelling variants and compiled expression for each
// term, classified as a bare entry.
func runVariants(args []string) error {
	fs := flag.NewFlagSet("variants", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("variants: expected at least one term")
	}
	for _, raw := range fs.Args() {
		term := dictionary.Fold(strings.TrimSpace(raw))
		p := slang.Compile(dictionary.Entry{Term: term})
		fmt.Printf("%s (%s)\n", term, p.Class)
		for _, v := range slang.Variants(term) {
			fmt.Printf("  %s\n", v)
		}
		fmt.Printf("  expr: %s\n", p.Expr())
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	var dict dictionaryFlags
	dict.register(fs)
	fs.Parse(args)

	set, err := dict.load()
	if err != nil {
		return err
	}
	counts := set.Generations()
	gens := make([]string, 0, len(counts))
	for g := range counts {
		gens = append(gens, string(g))
	}
	sort.Strings(gens)
	for _, g := range gens {
		fmt.Printf("%-12s %d\n", g, counts[dictionary.Generation(g)])
	}
	fmt.Printf("dictionary valid: %d patterns\n", set.Len())
	return nil
}

// runFeed streams a WAV file onto the bus as one session of audio frames.
func runFeed(args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	file := fs.String("file", "", "WAV file to stream")
	server := fs.String("server", "", "NATS server URL (overrides config)")
	session := fs.String("session", "", "Session id (random when empty)")
	realtime := fs.Bool("realtime", true, "Pace frames at their audio duration")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("feed: -file is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	busCfg := cfg.Bus
	if *server != "" {
		busCfg.Servers = []string{*server}
	} else if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://localhost:%d", busCfg.Port)}
	}
	sessionID := *session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()
	frames, err := stt.FramesFromWAV(f, sessionID, stt.DefaultChunkSamples)
	if err != nil {
		return err
	}

	logger := runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := protocol.SubjectAudioFramePrefix + "." + sessionID
	for _, frame := range frames {
		if err := client.PublishJSON(subject, frame); err != nil {
			return fmt.Errorf("publish frame %d: %w", frame.Sequence, err)
		}
		if *realtime && frame.SampleRate > 0 {
			samples := len(frame.PCM) / 2 / max(frame.Channels, 1)
			time.Sleep(time.Duration(samples) * time.Second / time.Duration(frame.SampleRate))
		}
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "streamed %d frames for session %s\n", len(frames), sessionID)
	return nil
}
