// Package autoblock turns detections into firewall denies. The actor
// evaluates a two-predicate policy (rule thresholds and ML verdict) with
// active-block and cooldown pre-checks, then drives the host firewall
// through a privileged-command interface and records the block. The
// blocklist table's partial unique index serializes concurrent blocks per
// IP.
package autoblock

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrFirewallAuth is the fatal authentication failure from the privileged
// firewall command: the process lacks the privilege to change rules, and
// retrying will not help.
var ErrFirewallAuth = errors.New("firewall authentication failed")

// Firewall is the host firewall collaborator. Deny and Allow are
// idempotent: a rule that already exists (or is already gone) is soft
// success.
type Firewall interface {
	Deny(ctx context.Context, ip string) (output string, err error)
	Allow(ctx context.Context, ip string) (output string, err error)
}

// commandTimeout is the wall-clock bound on one firewall invocation.
const commandTimeout = 15 * time.Second

// UFWRunner drives ufw through a fixed argv prefix, typically
// ["sudo", "-n", "ufw"]. Arguments are passed as an argv, never through a
// shell, so IPs cannot be interpolated into anything.
type UFWRunner struct {
	// Argv is the command prefix. Empty means ["ufw"].
	Argv []string

	// run is swapped in tests.
	run func(ctx context.Context, argv []string) (string, error)
}

// NewUFWRunner builds a runner with the given command prefix.
func NewUFWRunner(argv ...string) *UFWRunner {
	if len(argv) == 0 {
		argv = []string{"ufw"}
	}
	return &UFWRunner{Argv: argv, run: runCommand}
}

func runCommand(ctx context.Context, argv []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("firewall command timed out after %s", commandTimeout)
	}
	return string(out), err
}

// authFailureMarkers are the stderr fragments that mean the privileged
// command rejected our credentials rather than the rule change. The set is
// fixed here deliberately: sudo -n prints "a password is required" when
// passwordless sudo is not configured, and ufw itself prints the root
// requirement.
var authFailureMarkers = []string{
	"a password is required",
	"sorry, try again",
	"you need to be root",
	"permission denied",
}

// Deny inserts a deny-from rule for ip.
func (r *UFWRunner) Deny(ctx context.Context, ip string) (string, error) {
	return r.exec(ctx, "deny", ip, "skipping adding existing rule")
}

// Allow deletes the deny-from rule for ip.
func (r *UFWRunner) Allow(ctx context.Context, ip string) (string, error) {
	return r.exec(ctx, "delete", ip, "could not delete non-existent rule")
}

func (r *UFWRunner) exec(ctx context.Context, action, ip, softMarker string) (string, error) {
	argv := append(append([]string{}, r.Argv...), ufwArgs(action, ip)...)
	out, err := r.run(ctx, argv)
	lower := strings.ToLower(out)

	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return out, fmt.Errorf("%w: %s", ErrFirewallAuth, strings.TrimSpace(out))
		}
	}
	// Idempotence: existing / missing rules are success.
	if strings.Contains(lower, softMarker) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("firewall %s %s: %w (%s)", action, ip, err, strings.TrimSpace(out))
	}
	return out, nil
}

func ufwArgs(action, ip string) []string {
	if action == "delete" {
		return []string{"delete", "deny", "from", ip}
	}
	return []string{"deny", "from", ip}
}
