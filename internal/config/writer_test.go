package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/sshgate/internal/model"
)

func TestFormatHostBlock_Basic(t *testing.T) {
	entry := model.Host{
		Alias:    "prod-db",
		HostName: "db.example.com",
		User:     "deploy",
		Port:     5432,
	}
	got := FormatHostBlock(entry)
	want := "Host prod-db\n  HostName db.example.com\n  User deploy\n  Port 5432\n"
	if got != want {
		t.Fatalf("block mismatch\nwant=%q\n got=%q", want, got)
	}
}

func TestFormatHostBlock_Defaults(t *testing.T) {
	got := FormatHostBlock(model.Host{Alias: "myhost", HostName: "myhost", Port: 22})
	if strings.Contains(got, "Port") || strings.Contains(got, "HostName") {
		t.Fatalf("expected default port and same hostname to be omitted, got: %q", got)
	}
}

func TestFormatHostBlock_AllFields(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	entry := model.Host{
		Alias:        "full",
		HostName:     "full.example.com",
		User:         "admin",
		Port:         2222,
		IdentityFile: filepath.Join(home, ".ssh", "id_ed25519"),
		ProxyJump:    "bastion",
		Forwards: []model.ForwardSpec{
			{LocalAddr: "127.0.0.1", LocalPort: 8080, RemoteAddr: "localhost", RemotePort: 80},
		},
	}
	got := FormatHostBlock(entry)

	checks := []string{
		"Host full\n",
		"  HostName full.example.com\n",
		"  User admin\n",
		"  Port 2222\n",
		"  IdentityFile ~/.ssh/id_ed25519\n",
		"  ProxyJump bastion\n",
		"  LocalForward 127.0.0.1:8080 localhost:80\n",
	}
	for _, check := range checks {
		if !strings.Contains(got, check) {
			t.Errorf("expected block to contain %q, got:\n%s", check, got)
		}
	}
}

func TestValidateAlias(t *testing.T) {
	if err := ValidateAlias(""); err == nil {
		t.Fatal("expected error for empty alias")
	}
	for _, alias := range []string{"host *", "host?", "!host", "host\ttab"} {
		if err := ValidateAlias(alias); err == nil {
			t.Errorf("expected error for alias %q", alias)
		}
	}
	if err := ValidateAlias("my-new-server"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestAtomicWriteFile_PreservesMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	writeFile(t, path, "old\n")
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatal(err)
	}
	if err := atomicWriteFile(path, []byte("new\n")); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "new\n" {
		t.Fatalf("unexpected content %q", b)
	}
	st, _ := os.Stat(path)
	if st.Mode().Perm() != 0o640 {
		t.Fatalf("expected mode preserved, got %#o", st.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected temp file cleaned up, got %d entries", len(entries))
	}
}
