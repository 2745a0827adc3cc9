package config

import (
	"strings"

	"github.com/treykane/sshgate/internal/model"
)

// section is one Host or Match block of the root hosts file, kept as raw
// lines so unknown directives and comments survive edits. The first section
// is the preamble before any Host line and has no header.
type section struct {
	header   string
	patterns []string
	body     []string
}

// alias reports the block's alias when it declares exactly one concrete host.
func (s *section) alias() (string, bool) {
	if len(s.patterns) != 1 || !isConcreteAlias(s.patterns[0]) {
		return "", false
	}
	return s.patterns[0], true
}

type document struct {
	sections []*section
}

func parseDocument(data []byte) *document {
	doc := &document{sections: []*section{{}}}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for _, raw := range lines {
		line := stripInlineComment(strings.TrimSpace(raw))
		if key, value, ok := splitDirective(line); ok {
			switch strings.ToLower(key) {
			case "host":
				doc.sections = append(doc.sections, &section{header: raw, patterns: strings.Fields(value)})
				continue
			case "match":
				doc.sections = append(doc.sections, &section{header: raw})
				continue
			}
		}
		cur := doc.sections[len(doc.sections)-1]
		cur.body = append(cur.body, raw)
	}
	return doc
}

func (d *document) bytes() []byte {
	var lines []string
	for _, s := range d.sections {
		if s.header != "" {
			lines = append(lines, s.header)
		}
		lines = append(lines, s.body...)
	}
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// index returns the single-alias block for alias, or -1.
func (d *document) index(alias string) int {
	for i, s := range d.sections {
		if a, ok := s.alias(); ok && a == alias {
			return i
		}
	}
	return -1
}

// shared returns a multi-pattern block naming alias, or -1.
func (d *document) shared(alias string) int {
	for i, s := range d.sections {
		if len(s.patterns) > 1 && containsPattern(s.patterns, alias) {
			return i
		}
	}
	return -1
}

// duplicates lists aliases declared by more than one single-alias block.
func (d *document) duplicates() []string {
	seen := map[string]int{}
	var out []string
	for _, s := range d.sections {
		a, ok := s.alias()
		if !ok {
			continue
		}
		seen[a]++
		if seen[a] == 2 {
			out = append(out, a)
		}
	}
	return out
}

func (d *document) append(s *section) {
	last := d.sections[len(d.sections)-1]
	if n := len(last.body); n > 0 && strings.TrimSpace(last.body[n-1]) != "" {
		last.body = append(last.body, "")
	} else if n == 0 && last.header != "" {
		last.body = append(last.body, "")
	}
	d.sections = append(d.sections, s)
}

// separate puts a blank line between consecutive blocks after a reorder.
func (d *document) separate() {
	for _, s := range d.sections[:len(d.sections)-1] {
		if s.header == "" && len(s.body) == 0 {
			continue
		}
		if n := len(s.body); n == 0 || strings.TrimSpace(s.body[n-1]) != "" {
			s.body = append(s.body, "")
		}
	}
}

func (d *document) remove(i int) {
	d.sections = append(d.sections[:i], d.sections[i+1:]...)
}

func newSection(h model.Host) *section {
	s := &section{}
	s.apply(h)
	return s
}

// apply rewrites the header and managed directives, keeping everything else
// in the block in its original order after them.
func (s *section) apply(h model.Host) {
	s.header = "Host " + h.Alias
	s.patterns = []string{h.Alias}
	var kept []string
	for _, raw := range s.body {
		key, _, ok := splitDirective(stripInlineComment(strings.TrimSpace(raw)))
		if ok && managedKeys[strings.ToLower(key)] {
			continue
		}
		kept = append(kept, raw)
	}
	s.body = append(directiveLines(h), kept...)
}

// dropPattern removes alias from a multi-pattern header.
func (s *section) dropPattern(alias string) {
	var rest []string
	for _, p := range s.patterns {
		if p != alias {
			rest = append(rest, p)
		}
	}
	s.patterns = rest
	indent := s.header[:len(s.header)-len(strings.TrimLeft(s.header, " \t"))]
	s.header = indent + "Host " + strings.Join(rest, " ")
}
