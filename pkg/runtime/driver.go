package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/types"
)

// ErrNotFound is returned when no container exists for a key
var ErrNotFound = errors.New("container not found")

// DefaultStopTimeout is the grace period before a container is killed
const DefaultStopTimeout = 10 * time.Second

const (
	// LabelEntityKey marks containers owned by the daemon
	LabelEntityKey = "io.nanocl.entity-key"

	// LabelVersionKey records the cargo version a container was created from
	LabelVersionKey = "io.nanocl.version-key"
)

// Status is what the driver reports about one container
type Status struct {
	Running    bool
	Address    string
	VersionKey string
}

// Driver runs cargo containers. Containers are identified by the cargo's
// entity key.
type Driver interface {
	Create(ctx context.Context, key string, spec types.CargoSpec) error
	Start(ctx context.Context, key string) error
	Stop(ctx context.Context, key string, timeout time.Duration) error
	Remove(ctx context.Context, key string) error
	Inspect(ctx context.Context, key string) (*Status, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}
