package runner

import (
	"context"

	"github.com/swarmguard/flowcore/internal/taskdef"
)

// SSHWrapped wraps any Adapter so its Submit/Poll/Kill calls are routed
// through a fixed remote host even when the caller's Batcher does not pass
// one explicitly — used for platforms defined as "<runner> on <host>" where
// the host is baked into the platform definition rather than supplied
// per-call.
type SSHWrapped struct {
	Adapter Adapter
	Host    string
}

func (s *SSHWrapped) Kind() taskdef.RunnerKind { return s.Adapter.Kind() }

func (s *SSHWrapped) Submit(ctx context.Context, host string, reqs []SubmitRequest) []SubmitResult {
	return s.Adapter.Submit(ctx, s.resolveHost(host), reqs)
}

func (s *SSHWrapped) Poll(ctx context.Context, host string, runnerJobIDs []string) []PollResult {
	return s.Adapter.Poll(ctx, s.resolveHost(host), runnerJobIDs)
}

func (s *SSHWrapped) Kill(ctx context.Context, host string, runnerJobIDs []string) error {
	return s.Adapter.Kill(ctx, s.resolveHost(host), runnerJobIDs)
}

func (s *SSHWrapped) ParseDirectives(directives map[string]string) (string, error) {
	return s.Adapter.ParseDirectives(directives)
}

func (s *SSHWrapped) resolveHost(host string) string {
	if host != "" {
		return host
	}
	return s.Host
}
