package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/util"
)

// ParseResult lists concrete hosts in declaration order.
type ParseResult struct {
	Hosts    []model.Host
	Warnings []string
}

// rawBlock is one Host (or Match) section with its directives keyed by
// lowercased name, values in file order.
type rawBlock struct {
	patterns []string
	values   map[string][]string
	source   string
}

func newBlock(source string, patterns ...string) rawBlock {
	return rawBlock{patterns: patterns, values: map[string][]string{}, source: source}
}

func (b rawBlock) empty() bool { return len(b.values) == 0 }

type parser struct {
	seen     map[string]bool
	blocks   []rawBlock
	warnings []string
}

func (p *parser) warnf(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

// ParseFile parses a root ssh_config and the files it includes. A missing
// root yields an empty result with a warning.
func ParseFile(path string) (ParseResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ParseResult{}, err
	}
	p := &parser{seen: map[string]bool{}}
	if err := p.file(abs, 0); err != nil {
		return ParseResult{}, err
	}
	return ParseResult{Hosts: compileHosts(p.blocks, abs), Warnings: p.warnings}, nil
}

func (p *parser) file(path string, depth int) error {
	if depth > util.MaxIncludeDepth {
		return fmt.Errorf("include depth exceeded at %s", path)
	}
	if p.seen[path] {
		p.warnf("include cycle skipped: %s", path)
		return nil
	}
	p.seen[path] = true

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		p.warnf("config file not found: %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// Directives before the first Host line apply to every host.
	cur := newBlock(path, "*")
	started := false
	flush := func() {
		if started || !cur.empty() {
			p.blocks = append(p.blocks, cur)
		}
	}

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := stripInlineComment(strings.TrimSpace(sc.Text()))
		if line == "" {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			p.warnf("%s:%d invalid directive", path, n)
			continue
		}
		switch key = strings.ToLower(key); key {
		case "include":
			p.include(path, n, value, depth)
		case "host":
			flush()
			patterns := strings.Fields(value)
			if len(patterns) == 0 {
				p.warnf("%s:%d Host missing patterns", path, n)
				patterns = []string{"*"}
			}
			cur, started = newBlock(path, patterns...), true
		case "match":
			// Match criteria are not evaluated, so the block never applies.
			flush()
			cur, started = newBlock(path, "!*"), true
		default:
			cur.values[key] = append(cur.values[key], value)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	flush()
	return nil
}

// include expands each glob relative to the including file. Failures in an
// included file become warnings.
func (p *parser) include(from string, line int, value string, depth int) {
	for _, pattern := range strings.Fields(value) {
		glob := expandHome(pattern)
		if !filepath.IsAbs(glob) {
			glob = filepath.Join(filepath.Dir(from), glob)
		}
		matches, err := filepath.Glob(glob)
		if err != nil {
			p.warnf("%s:%d bad include pattern %q", from, line, pattern)
			continue
		}
		if len(matches) == 0 {
			p.warnf("%s:%d include matched nothing: %q", from, line, pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if err := p.file(m, depth+1); err != nil {
				p.warnf("include %s failed: %v", m, err)
			}
		}
	}
}

func compileHosts(blocks []rawBlock, root string) []model.Host {
	var aliases []string
	sources := map[string]string{}
	for _, b := range blocks {
		for _, pat := range b.patterns {
			if _, dup := sources[pat]; dup || !isConcreteAlias(pat) {
				continue
			}
			sources[pat] = b.source
			aliases = append(aliases, pat)
		}
	}

	hosts := make([]model.Host, 0, len(aliases))
	for _, alias := range aliases {
		h := model.Host{Alias: alias, HostName: alias, Port: 22}
		if src := sources[alias]; src != root {
			h.SourceFile = src
		}
		resolveHost(&h, orderForAlias(blocks, alias))
		hosts = append(hosts, h)
	}
	return hosts
}

// resolveHost applies blocks in order. The first value seen for a scalar
// directive wins, as in OpenSSH; LocalForward accumulates.
func resolveHost(h *model.Host, blocks []rawBlock) {
	set := map[string]bool{}
	take := func(b rawBlock, key string) (string, bool) {
		vals := b.values[key]
		if len(vals) == 0 || set[key] {
			return "", false
		}
		set[key] = true
		return vals[0], true
	}
	for _, b := range blocks {
		if v, ok := take(b, "hostname"); ok {
			h.HostName = v
		}
		if v, ok := take(b, "user"); ok {
			h.User = v
		}
		if v, ok := take(b, "port"); ok {
			if port, err := util.ParsePort(v); err == nil {
				h.Port = port
			}
		}
		if v, ok := take(b, "identityfile"); ok {
			h.IdentityFile = expandHome(v)
		}
		if v, ok := take(b, "proxyjump"); ok {
			h.ProxyJump = v
		}
		for _, lf := range b.values["localforward"] {
			if fwd, ok := parseLocalForward(lf); ok {
				h.Forwards = append(h.Forwards, fwd)
			}
		}
	}
}

// orderForAlias returns the blocks naming alias literally, then the pattern
// blocks that match it.
func orderForAlias(blocks []rawBlock, alias string) []rawBlock {
	var own, pattern []rawBlock
	for _, b := range blocks {
		switch {
		case !matchesAny(alias, b.patterns):
		case containsPattern(b.patterns, alias):
			own = append(own, b)
		default:
			pattern = append(pattern, b)
		}
	}
	return append(own, pattern...)
}

func containsPattern(patterns []string, alias string) bool {
	for _, p := range patterns {
		if p == alias {
			return true
		}
	}
	return false
}

// parseLocalForward reads "[bind:]port host:port".
func parseLocalForward(v string) (model.ForwardSpec, bool) {
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return model.ForwardSpec{}, false
	}
	localAddr, localPort, ok := parseEndpoint(parts[0], util.LoopbackHost)
	if !ok {
		return model.ForwardSpec{}, false
	}
	remoteAddr, remotePort, ok := parseEndpoint(parts[1], "localhost")
	if !ok {
		return model.ForwardSpec{}, false
	}
	return model.ForwardSpec{LocalAddr: localAddr, LocalPort: localPort, RemoteAddr: remoteAddr, RemotePort: remotePort}, true
}

// parseEndpoint splits "[addr:]port", with addr optionally bracketed.
func parseEndpoint(s, defaultAddr string) (string, int, bool) {
	addr, portStr := "", s
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		addr, portStr = s[:i], s[i+1:]
	}
	port, err := util.ParsePort(portStr)
	if err != nil {
		return "", 0, false
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	return util.NormalizeAddr(addr, defaultAddr), port, true
}

// matchesAny reports whether alias matches a positive pattern and no
// negated one.
func matchesAny(alias string, patterns []string) bool {
	matched := false
	for _, p := range patterns {
		pat, negated := strings.CutPrefix(p, "!")
		if !globMatch(alias, pat) {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

func globMatch(alias, pattern string) bool {
	if pattern == "" {
		return false
	}
	ok, err := filepath.Match(pattern, alias)
	return err == nil && ok
}

func isConcreteAlias(pattern string) bool {
	return pattern != "" && !strings.ContainsAny(pattern, "!*?")
}

// splitDirective accepts "Key value", "Key=value" and "Key = value". A value
// wrapped in double quotes is unquoted.
func splitDirective(line string) (key, value string, ok bool) {
	i := strings.IndexAny(line, " \t=")
	if i <= 0 {
		return "", "", false
	}
	key = line[:i]
	rest := strings.TrimLeft(line[i:], " \t")
	rest = strings.TrimPrefix(rest, "=")
	value = strings.TrimSpace(rest)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}
	return key, value, value != ""
}

func stripInlineComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}
