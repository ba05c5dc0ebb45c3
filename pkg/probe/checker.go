package probe

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"strings"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/pkg/errors"
)

// Checker executes one probe attempt, bounded by the caller's context.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// NewChecker builds a Checker from a healthcheck test descriptor.
func NewChecker(test compose.Test) (Checker, error) {
	if len(test) == 0 {
		return nil, errors.New("healthcheck has no test")
	}

	switch strings.ToUpper(test[0]) {
	case "CMD":
		if len(test) < 2 {
			return nil, errors.New("healthcheck CMD has no command")
		}
		return &CommandChecker{Argv: test[1:]}, nil
	case "CMD-SHELL":
		if len(test) < 2 {
			return nil, errors.New("healthcheck CMD-SHELL has no script")
		}
		return &CommandChecker{Argv: []string{"sh", "-c", strings.Join(test[1:], " ")}}, nil
	}

	if len(test) == 1 {
		target := test[0]
		switch {
		case strings.HasPrefix(target, "tcp://"):
			return &TCPChecker{Address: strings.TrimPrefix(target, "tcp://")}, nil
		case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
			return &HTTPChecker{URL: target}, nil
		}
	}

	return nil, errors.Errorf("unsupported healthcheck test %q", strings.Join(test, " "))
}

// CommandChecker runs a command; exit status zero means healthy.
type CommandChecker struct {
	Argv []string
	Dir  string
	Env  []string
}

func (c *CommandChecker) CheckHealth(ctx context.Context) error {
	// #nosec G204 -- probe command comes from the stack file.
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "probe timed out")
		}
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return errors.Wrapf(err, "probe command failed: %s", msg)
		}
		return errors.Wrap(err, "probe command failed")
	}
	return nil
}

// TCPChecker dials the address; a completed connection means healthy.
type TCPChecker struct {
	Address string
}

func (c *TCPChecker) CheckHealth(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.Address)
	}
	_ = conn.Close()
	return nil
}

// HTTPChecker issues a GET; any status below 500 means healthy.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

func (c *HTTPChecker) CheckHealth(ctx context.Context) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return errors.Wrap(err, "build probe request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "get %s", c.URL)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.Errorf("%s returned status %d", c.URL, resp.StatusCode)
	}
	return nil
}
