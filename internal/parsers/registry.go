package parsers

import (
	"path/filepath"
	"strings"
)

// sniffSize is how much of a file Validate implementations look at
const sniffSize = 4096

// Registry selects a parser for a file
type Registry struct {
	parsers []Parser
}

// NewRegistry creates a registry with every built-in format. Order matters:
// the most specific signatures are tried first and CSV, the most permissive,
// last.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []Parser{
			NewCAMTParser(),
			NewOFXParser(),
			NewQIFParser(),
			NewCSVParser(),
		},
	}
}

// Register adds a parser ahead of the built-in ones
func (r *Registry) Register(p Parser) {
	r.parsers = append([]Parser{p}, r.parsers...)
}

// Formats lists the registered formats
func (r *Registry) Formats() []Format {
	formats := make([]Format, 0, len(r.parsers))
	for _, p := range r.parsers {
		formats = append(formats, p.Format())
	}
	return formats
}

// ForFormat returns the parser for an explicit format
func (r *Registry) ForFormat(f Format) (Parser, error) {
	for _, p := range r.parsers {
		if p.Format() == f {
			return p, nil
		}
	}
	return nil, ErrUnknownFormat
}

// Detect picks a parser from the content signature, falling back to the
// file extension when no signature matches.
func (r *Registry) Detect(filename string, content []byte) (Parser, error) {
	head := content
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	head = trimBOM(head)

	for _, p := range r.parsers {
		if p.Validate(head) {
			return p, nil
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		for _, p := range r.parsers {
			for _, e := range p.SupportedExtensions() {
				if e == ext {
					return p, nil
				}
			}
		}
	}
	return nil, ErrUnknownFormat
}

func trimBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
