package config

import (
	"fmt"
	"strings"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/util"
)

// ParseDestination parses a quick-connect destination into a host named
// after its hostname. Supported forms: hostname, user@hostname,
// hostname:port and user@hostname:port. A suffix that is not a valid port
// stays part of the hostname.
func ParseDestination(input string) (model.Host, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return model.Host{}, fmt.Errorf("destination cannot be empty")
	}

	h := model.Host{Port: 22}
	if at := strings.Index(input, "@"); at > 0 {
		h.User = input[:at]
		input = input[at+1:]
	}
	if colon := strings.LastIndex(input, ":"); colon > 0 {
		if port, err := util.ParsePort(input[colon+1:]); err == nil {
			h.Port = port
			input = input[:colon]
		}
	}
	if input == "" {
		return model.Host{}, fmt.Errorf("hostname cannot be empty")
	}
	h.HostName = input
	h.Alias = input
	return h, nil
}
