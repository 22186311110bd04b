package ingress

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Reloader tells the gateway to pick up new configuration
type Reloader interface {
	Reload(ctx context.Context) error
}

// NopReloader does nothing; used when no gateway is managed
type NopReloader struct{}

// Reload implements Reloader
func (NopReloader) Reload(context.Context) error { return nil }

// DefaultReloadTimeout bounds a reload command
const DefaultReloadTimeout = 10 * time.Second

// CommandReloader runs a command such as "nginx -s reload"
type CommandReloader struct {
	Args    []string
	Timeout time.Duration
}

// NewCommandReloader splits command on whitespace
func NewCommandReloader(command string, timeout time.Duration) (*CommandReloader, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("reload command is empty")
	}
	if timeout <= 0 {
		timeout = DefaultReloadTimeout
	}
	return &CommandReloader{Args: args, Timeout: timeout}, nil
}

// Reload implements Reloader
func (r *CommandReloader) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.Args[0], r.Args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(r.Args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
