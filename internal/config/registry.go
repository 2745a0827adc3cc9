package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/util"
)

// Registry is the editable host list backed by an ssh_config-format file.
// Hosts pulled in through Include are listed but read-only.
type Registry struct {
	mu        sync.Mutex
	path      string
	writeFile func(path string, data []byte) error

	loaded   bool
	stamp    fileStamp
	hosts    []model.Host
	warnings []string
}

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

func stampOf(path string) fileStamp {
	st, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, size: st.Size(), modTime: st.ModTime()}
}

func NewRegistry(path string) *Registry {
	return &Registry{path: path, writeFile: atomicWriteFile}
}

func (r *Registry) Path() string { return r.path }

// List returns hosts in file declaration order. The file is re-read when it
// changed on disk since the last load.
func (r *Registry) List() ([]model.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	return append([]model.Host(nil), r.hosts...), nil
}

// Warnings returns parse warnings from the last load.
func (r *Registry) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

func (r *Registry) Get(alias string) (model.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return model.Host{}, err
	}
	if h, ok := r.lookupLocked(alias); ok {
		return h, nil
	}
	return model.Host{}, model.NotFound("get host", "host %q not found", alias)
}

// Save creates a host when originalAlias is empty, otherwise updates the
// block declaring originalAlias, renaming it when host.Alias differs.
func (r *Registry) Save(host model.Host, originalAlias string) (model.Host, error) {
	const op = "save host"
	host.Alias = strings.TrimSpace(host.Alias)
	host.HostName = strings.TrimSpace(host.HostName)
	originalAlias = strings.TrimSpace(originalAlias)
	if err := ValidateAlias(host.Alias); err != nil {
		return model.Host{}, model.Validation(op, "%v", err)
	}
	if host.Port != 0 {
		if err := util.ValidatePort(host.Port); err != nil {
			return model.Host{}, model.Validation(op, "%v", err)
		}
	}
	if host.HostName == "" {
		host.HostName = host.Alias
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return model.Host{}, err
	}
	doc, err := r.documentLocked()
	if err != nil {
		return model.Host{}, err
	}

	if originalAlias == "" {
		if r.existsLocked(host.Alias, "") {
			return model.Host{}, model.Validation(op, "alias %q already exists", host.Alias)
		}
		doc.append(newSection(host))
	} else {
		idx := doc.index(originalAlias)
		if idx < 0 {
			return model.Host{}, r.uneditableLocked(op, doc, originalAlias)
		}
		if r.existsLocked(host.Alias, originalAlias) {
			return model.Host{}, model.Validation(op, "alias %q already exists", host.Alias)
		}
		doc.sections[idx].apply(host)
	}

	if err := r.writeLocked(doc.bytes()); err != nil {
		return model.Host{}, err
	}
	if h, ok := r.lookupLocked(host.Alias); ok {
		return h, nil
	}
	return host, nil
}

// Delete removes the host's block, or its name from a shared Host line.
func (r *Registry) Delete(alias string) error {
	const op = "delete host"
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return err
	}
	doc, err := r.documentLocked()
	if err != nil {
		return err
	}
	if idx := doc.index(alias); idx >= 0 {
		doc.remove(idx)
	} else if idx := doc.shared(alias); idx >= 0 {
		doc.sections[idx].dropPattern(alias)
	} else {
		return r.uneditableLocked(op, doc, alias)
	}
	return r.writeLocked(doc.bytes())
}

// Reorder rewrites the file so single-alias host blocks appear in the given
// order. Wildcard, Match, shared and included blocks keep their positions;
// aliases naming them are accepted and ignored. Every movable alias must be
// listed exactly once. On a write failure the file and cached order are
// unchanged.
func (r *Registry) Reorder(aliases []string) error {
	const op = "reorder hosts"
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return err
	}
	doc, err := r.documentLocked()
	if err != nil {
		return err
	}
	if dups := doc.duplicates(); len(dups) > 0 {
		return model.Validation(op, "hosts file declares %s more than once", strings.Join(dups, ", "))
	}

	var slots []int
	byAlias := map[string]*section{}
	for i, s := range doc.sections {
		if a, ok := s.alias(); ok {
			slots = append(slots, i)
			byAlias[a] = s
		}
	}

	ordered := make([]*section, 0, len(slots))
	listed := map[string]bool{}
	for _, a := range aliases {
		if listed[a] {
			return model.Validation(op, "alias %q listed more than once", a)
		}
		listed[a] = true
		s, ok := byAlias[a]
		if !ok {
			if _, known := r.lookupLocked(a); known {
				continue
			}
			return model.Validation(op, "unknown alias %q", a)
		}
		ordered = append(ordered, s)
	}
	if len(ordered) != len(slots) {
		var missing []string
		for a := range byAlias {
			if !listed[a] {
				missing = append(missing, a)
			}
		}
		return model.Validation(op, "order must list every host; missing %s", strings.Join(missing, ", "))
	}
	for i, idx := range slots {
		doc.sections[idx] = ordered[i]
	}
	doc.separate()
	return r.writeLocked(doc.bytes())
}

// ReadRaw returns the root hosts file as written.
func (r *Registry) ReadRaw() (string, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", model.Wrap(model.KindSystem, "read hosts file", err)
	}
	return string(b), nil
}

// WriteRaw replaces the root hosts file. Content declaring the same alias in
// two single-host blocks is rejected.
func (r *Registry) WriteRaw(content string) error {
	doc := parseDocument([]byte(content))
	if dups := doc.duplicates(); len(dups) > 0 {
		return model.Validation("write hosts file", "duplicate host alias %s", strings.Join(dups, ", "))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked([]byte(content))
}

func (r *Registry) refreshLocked() error {
	st := stampOf(r.path)
	if r.loaded && st == r.stamp {
		return nil
	}
	return r.reloadLocked(st)
}

func (r *Registry) reloadLocked(st fileStamp) error {
	res, err := ParseFile(r.path)
	if err != nil {
		return model.Wrap(model.KindSystem, "read hosts file", err)
	}
	r.hosts = res.Hosts
	r.warnings = res.Warnings
	r.stamp = st
	r.loaded = true
	return nil
}

func (r *Registry) writeLocked(data []byte) error {
	if err := r.writeFile(r.path, data); err != nil {
		return model.Wrap(model.KindSystem, "write hosts file", err)
	}
	return r.reloadLocked(stampOf(r.path))
}

func (r *Registry) documentLocked() (*document, error) {
	b, err := os.ReadFile(r.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, model.Wrap(model.KindSystem, "read hosts file", err)
	}
	return parseDocument(b), nil
}

func (r *Registry) lookupLocked(alias string) (model.Host, bool) {
	for _, h := range r.hosts {
		if h.Alias == alias {
			return h, true
		}
	}
	return model.Host{}, false
}

// existsLocked reports whether alias is taken by a host other than except.
func (r *Registry) existsLocked(alias, except string) bool {
	for _, h := range r.hosts {
		if h.Alias == except {
			continue
		}
		if strings.EqualFold(h.Alias, alias) {
			return true
		}
	}
	return false
}

func (r *Registry) uneditableLocked(op string, doc *document, alias string) error {
	h, ok := r.lookupLocked(alias)
	switch {
	case !ok:
		return model.NotFound(op, "host %q not found", alias)
	case h.SourceFile != "":
		return model.Validation(op, "host %q is defined in %s and is read-only", alias, h.SourceFile)
	case doc.shared(alias) >= 0:
		return model.Validation(op, "host %q shares a Host line with other aliases; edit the file directly", alias)
	default:
		return model.Validation(op, "host %q is not declared in its own Host block", alias)
	}
}
