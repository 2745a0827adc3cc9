package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
)

const maxPromptRounds = 5

// attempt carries what the user answered to previous decision prompts.
type attempt struct {
	Password     string
	SavePassword bool
	TrustHostKey bool
	Fingerprint  string
}

// prompter asks for passwords and host key confirmation. Input from a
// terminal is read without echo; other input is read line by line.
type prompter struct {
	in  *os.File
	out io.Writer
	r   *bufio.Reader
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	return &prompter{in: in, out: out, r: bufio.NewReader(in)}
}

// resolve runs fn until it returns something other than an auth or host-key
// decision, answering each decision by prompting.
func (p *prompter) resolve(save bool, fn func(a attempt) error) error {
	a := attempt{SavePassword: save}
	for i := 0; i < maxPromptRounds; i++ {
		err := fn(a)
		res, ok := service.Decision(err)
		if !ok {
			return err
		}
		if err := p.answer(res, &a); err != nil {
			return err
		}
	}
	return model.Errorf(model.KindAuth, "connect", "giving up after %d attempts", maxPromptRounds)
}

func (p *prompter) answer(res model.ConnectionResult, a *attempt) error {
	switch {
	case res.HostKeyVerificationRequired != nil:
		hk := res.HostKeyVerificationRequired
		if hk.Changed {
			fmt.Fprintf(p.out, "WARNING: the host key for %s (%s) has changed.\n", hk.Alias, hk.HostAddress)
		} else {
			fmt.Fprintf(p.out, "The authenticity of host %s (%s) can't be established.\n", hk.Alias, hk.HostAddress)
		}
		fmt.Fprintf(p.out, "Key fingerprint is %s.\n", hk.Fingerprint)
		ok, err := p.confirm("Trust this host key? [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			return model.Errorf(model.KindHostKey, "connect", "host key for %s not trusted", hk.Alias)
		}
		a.TrustHostKey = true
		a.Fingerprint = hk.Fingerprint
		return nil
	case res.PasswordRequired != nil:
		pr := res.PasswordRequired
		if pr.Retry {
			fmt.Fprintln(p.out, "Permission denied, please try again.")
		}
		pw, err := p.password(fmt.Sprintf("%s's password: ", pr.Alias))
		if err != nil {
			return err
		}
		if pw == "" {
			return model.Errorf(model.KindAuth, "connect", "no password entered")
		}
		a.Password = pw
		return nil
	}
	return nil
}

func (p *prompter) confirm(question string) (bool, error) {
	fmt.Fprint(p.out, question)
	line, err := p.r.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (p *prompter) password(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if fd := int(p.in.Fd()); term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.out)
		return string(b), err
	}
	line, err := p.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
