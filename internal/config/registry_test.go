package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/sshgate/internal/model"
)

func newTestRegistry(t *testing.T, content string) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if content != "" {
		writeFile(t, path, content)
	}
	return NewRegistry(path)
}

func aliases(t *testing.T, r *Registry) []string {
	t.Helper()
	hosts, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, h := range hosts {
		out = append(out, h.Alias)
	}
	return out
}

func TestRegistry_CreateAndDuplicateAlias(t *testing.T) {
	r := newTestRegistry(t, "Host web\n  HostName web.internal\n")
	h, err := r.Save(model.Host{Alias: "db", HostName: "10.0.0.5", User: "postgres", Port: 2222}, "")
	if err != nil {
		t.Fatal(err)
	}
	if h.Alias != "db" || h.Port != 2222 || h.User != "postgres" {
		t.Fatalf("unexpected saved host %+v", h)
	}
	if got := strings.Join(aliases(t, r), ","); got != "web,db" {
		t.Fatalf("unexpected order %s", got)
	}

	_, err = r.Save(model.Host{Alias: "web", HostName: "other"}, "")
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("expected validation error for duplicate alias, got %v", err)
	}
	if got := strings.Join(aliases(t, r), ","); got != "web,db" {
		t.Fatalf("duplicate save changed the registry: %s", got)
	}
}

func TestRegistry_RenameRejectsExistingAlias(t *testing.T) {
	r := newTestRegistry(t, "Host web\nHost db\n")
	_, err := r.Save(model.Host{Alias: "db", HostName: "x"}, "web")
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := r.Save(model.Host{Alias: "frontend", HostName: "web.internal"}, "web"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(aliases(t, r), ","); got != "frontend,db" {
		t.Fatalf("unexpected aliases after rename: %s", got)
	}
}

func TestRegistry_UpdatePreservesUnknownDirectives(t *testing.T) {
	r := newTestRegistry(t, "# fleet\nHost web\n  HostName old.internal\n  ForwardAgent yes\n  # keep me\n\nHost *\n  ServerAliveInterval 30\n")
	if _, err := r.Save(model.Host{Alias: "web", HostName: "new.internal", User: "ops"}, "web"); err != nil {
		t.Fatal(err)
	}
	raw, err := r.ReadRaw()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# fleet\n", "HostName new.internal", "User ops", "ForwardAgent yes", "# keep me", "Host *\n  ServerAliveInterval 30"} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %q in file:\n%s", want, raw)
		}
	}
	if strings.Contains(raw, "old.internal") {
		t.Fatalf("old hostname kept:\n%s", raw)
	}
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t, "Host web\n  HostName w\nHost a b\n  User shared\nHost db\n")
	if err := r.Delete("web"); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(aliases(t, r), ","); got != "b,db" {
		t.Fatalf("unexpected aliases after delete: %s", got)
	}
	if err := r.Delete("missing"); model.KindOf(err) != model.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistry_IncludedHostsAreReadOnly(t *testing.T) {
	d := t.TempDir()
	writeFile(t, filepath.Join(d, "team.conf"), "Host shared-db\n  HostName 10.9.9.9\n")
	root := filepath.Join(d, "config")
	writeFile(t, root, "Include team.conf\nHost web\n")
	r := NewRegistry(root)
	if _, err := r.Save(model.Host{Alias: "shared-db", HostName: "x"}, "shared-db"); model.KindOf(err) != model.KindValidation {
		t.Fatalf("expected read-only validation error, got %v", err)
	}
	if err := r.Delete("shared-db"); model.KindOf(err) != model.KindValidation {
		t.Fatalf("expected read-only validation error, got %v", err)
	}
}

func TestRegistry_Reorder(t *testing.T) {
	r := newTestRegistry(t, "Host a\n  HostName 1\n\nHost *\n  User all\n\nHost b\n  HostName 2\n\nHost c\n  HostName 3\n")
	if err := r.Reorder([]string{"c", "a", "b"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(aliases(t, r), ","); got != "c,a,b" {
		t.Fatalf("unexpected order %s", got)
	}
	raw, _ := r.ReadRaw()
	if !strings.HasPrefix(raw, "Host c\n  HostName 3\n") {
		t.Fatalf("expected c first:\n%s", raw)
	}
	if !strings.Contains(raw, "Host *\n  User all") {
		t.Fatalf("wildcard block lost:\n%s", raw)
	}

	if err := r.Reorder([]string{"c", "a"}); model.KindOf(err) != model.KindValidation {
		t.Fatalf("expected validation error for partial order, got %v", err)
	}
	if err := r.Reorder([]string{"c", "a", "a"}); model.KindOf(err) != model.KindValidation {
		t.Fatalf("expected validation error for repeated alias, got %v", err)
	}
}

func TestRegistry_ReorderWriteFailureKeepsState(t *testing.T) {
	content := "Host a\nHost b\nHost c\n"
	r := newTestRegistry(t, content)
	before := strings.Join(aliases(t, r), ",")
	r.writeFile = func(string, []byte) error { return errors.New("disk full") }

	err := r.Reorder([]string{"c", "b", "a"})
	if model.KindOf(err) != model.KindSystem {
		t.Fatalf("expected system error, got %v", err)
	}
	if got := strings.Join(aliases(t, r), ","); got != before {
		t.Fatalf("cached order changed after failed write: %s", got)
	}
	b, _ := os.ReadFile(r.Path())
	if string(b) != content {
		t.Fatalf("file changed after failed write: %q", b)
	}
}

func TestRegistry_RawRoundTrip(t *testing.T) {
	r := newTestRegistry(t, "")
	raw, err := r.ReadRaw()
	if err != nil || raw != "" {
		t.Fatalf("expected empty raw content, got %q (%v)", raw, err)
	}
	if err := r.WriteRaw("Host x\n  HostName 1.2.3.4\n"); err != nil {
		t.Fatal(err)
	}
	h, err := r.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	if h.HostName != "1.2.3.4" {
		t.Fatalf("unexpected host %+v", h)
	}
	if err := r.WriteRaw("Host x\nHost x\n"); model.KindOf(err) != model.KindValidation {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestRegistry_SeesExternalEdits(t *testing.T) {
	r := newTestRegistry(t, "Host a\n")
	if got := aliases(t, r); len(got) != 1 {
		t.Fatalf("unexpected hosts %v", got)
	}
	writeFile(t, r.Path(), "Host a\nHost second-host\n")
	if got := aliases(t, r); len(got) != 2 {
		t.Fatalf("expected external edit to be picked up, got %v", got)
	}
}
