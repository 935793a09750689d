package dictionary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type options struct {
	skipInvalid bool
	allowEmpty  bool
	logger      *slog.Logger
}

// Option tunes Load.
type Option func(*options)

// WithSkipInvalid makes Load skip tables that fail to parse instead of
// aborting. Each skipped table is logged at WARN level on logger.
func WithSkipInvalid(logger *slog.Logger) Option {
	return func(o *options) {
		o.skipInvalid = true
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAllowEmpty lets Load return zero entries without a LoadError.
func WithAllowEmpty() Option {
	return func(o *options) { o.allowEmpty = true }
}

type table struct {
	generation Generation
	name       string
}

type pair struct {
	key   string
	value string
}

// Load reads every .json, .yaml and .yml table in dir. Tables are processed in
// lexicographic order of their generation tag and rows keep file order.
func Load(dir string, opts ...Option) ([]Entry, error) {
	if dir == "" {
		return nil, &LoadError{Dir: dir, Err: errors.New("directory not configured")}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{Dir: dir, Err: errors.New("not a directory")}
	}
	return LoadFS(os.DirFS(dir), dir, opts...)
}

// LoadFS is Load over an arbitrary file system; label names the source in
// errors.
func LoadFS(fsys fs.FS, label string, opts ...Option) ([]Entry, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	dirEntries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, &LoadError{Dir: label, Err: err}
	}

	var tables []table
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		ext := strings.ToLower(path.Ext(de.Name()))
		switch ext {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		tables = append(tables, table{
			generation: Generation(strings.TrimSuffix(de.Name(), path.Ext(de.Name()))),
			name:       de.Name(),
		})
	}
	if len(tables) == 0 {
		return nil, &LoadError{Dir: label, Err: errors.New("no dictionary tables found")}
	}
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].generation != tables[j].generation {
			return tables[i].generation < tables[j].generation
		}
		return tables[i].name < tables[j].name
	})

	var entries []Entry
	for _, t := range tables {
		rows, err := readTable(fsys, t)
		if err != nil {
			if errors.As(err, new(*ParseError)) && o.skipInvalid {
				o.logger.Warn("skipping invalid dictionary table",
					slog.String("table", string(t.generation)),
					slog.String("path", t.name),
					slog.String("error", err.Error()))
				continue
			}
			return nil, err
		}
		for _, row := range rows {
			term := Fold(strings.TrimSpace(row.key))
			if term == "" {
				continue
			}
			entries = append(entries, Entry{
				Term:       term,
				Definition: row.value,
				Generation: t.generation,
			})
		}
	}

	if len(entries) == 0 && !o.allowEmpty {
		return nil, &LoadError{Dir: label, Err: errors.New("dictionary holds no terms")}
	}
	return entries, nil
}

func readTable(fsys fs.FS, t table) ([]pair, error) {
	data, err := fs.ReadFile(fsys, t.name)
	if err != nil {
		return nil, &LoadError{Dir: t.name, Err: err}
	}
	var rows []pair
	if strings.EqualFold(path.Ext(t.name), ".json") {
		rows, err = decodeJSONTable(data)
	} else {
		rows, err = decodeYAMLTable(data)
	}
	if err != nil {
		return nil, &ParseError{Table: t.generation, Path: t.name, Err: err}
	}
	return rows, nil
}

// decodeJSONTable walks the token stream so that key order survives. A key
// repeated within one object keeps its first position and its last value.
func decodeJSONTable(data []byte) ([]pair, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("top-level value is not an object")
	}

	var rows []pair
	seen := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		valTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		value, ok := valTok.(string)
		if !ok {
			return nil, fmt.Errorf("value for %q is not a string", key)
		}
		if idx, dup := seen[key]; dup {
			rows[idx].value = value
			continue
		}
		seen[key] = len(rows)
		rows = append(rows, pair{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level object")
	}
	return rows, nil
}

func decodeYAMLTable(data []byte) ([]pair, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("top-level value is not a mapping")
	}

	rows := make([]pair, 0, len(root.Content)/2)
	seen := make(map[string]int)
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if k.Kind != yaml.ScalarNode || k.Tag == "!!null" {
			return nil, fmt.Errorf("line %d: key is not a string", k.Line)
		}
		if v.Kind != yaml.ScalarNode || v.Tag == "!!null" {
			return nil, fmt.Errorf("line %d: value for %q is not a string", v.Line, k.Value)
		}
		if idx, dup := seen[k.Value]; dup {
			rows[idx].value = v.Value
			continue
		}
		seen[k.Value] = len(rows)
		rows = append(rows, pair{key: k.Value, value: v.Value})
	}
	return rows, nil
}
