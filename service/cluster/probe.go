package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	rssh "github.com/viant/gosh/runner/ssh"
	"github.com/viant/scy/cred/secret"
	"golang.org/x/crypto/ssh"
)

// Probe checks that a peer address is reachable over the trust channel the
// job runner will use. Formation is only declared once every peer answered.
type Probe interface {
	Reachable(ctx context.Context, address string) error
}

// SSHProbe opens an SSH session to the peer and runs a trivial command.
type SSHProbe struct {
	// Credentials is a scy secret resource providing the worker SSH identity.
	Credentials string
	// TimeoutMs bounds the probe command.
	TimeoutMs int
}

// NewSSHProbe creates a probe using the named credential resource.
func NewSSHProbe(credentials string) *SSHProbe {
	return &SSHProbe{Credentials: credentials, TimeoutMs: 5000}
}

// Reachable dials the peer and runs `true`; any transport or exit failure
// marks the peer unreachable.
func (p *SSHProbe) Reachable(ctx context.Context, address string) error {
	config, err := p.sshConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load SSH credentials: %w", err)
	}
	if !strings.Contains(address, ":") {
		address += ":22"
	}
	service, err := gosh.New(ctx, rssh.New(address, config))
	if err != nil {
		return fmt.Errorf("failed to reach peer %s: %w", address, err)
	}
	defer service.Close()

	_, status, err := service.Run(ctx, "true", runner.WithTimeout(p.TimeoutMs))
	if err != nil {
		return fmt.Errorf("peer %s probe failed: %w", address, err)
	}
	if status != 0 {
		return fmt.Errorf("peer %s probe exited with status %d", address, status)
	}
	return nil
}

func (p *SSHProbe) sshConfig(ctx context.Context) (*ssh.ClientConfig, error) {
	credentials := p.Credentials
	if credentials == "" {
		credentials = "localhost"
	}
	generic, err := secret.New().GetCredentials(ctx, credentials)
	if err != nil {
		return nil, err
	}
	return generic.SSH.Config(ctx)
}

var _ Probe = (*SSHProbe)(nil)
