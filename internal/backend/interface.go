package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"fxledger/internal/amqp"
	"fxledger/internal/ports"
)

// Kind selects the persistence layer behind ports.Store.
type Kind string

const (
	SQLite Kind = "sqlite"
	Memory Kind = "memory"
)

var kinds = []Kind{SQLite, Memory}

// ParseKind accepts DATA_BACKEND values, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(kinds, k) {
		return k, nil
	}
	return "", fmt.Errorf("unknown data backend %q, want one of %s", s, strings.Join(KindNames(), ", "))
}

// KindNames lists the supported DATA_BACKEND values.
func KindNames() []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}

// BackendResult is what the binaries run against. AMQP is nil when no
// broker is configured or it could not be reached at startup.
type BackendResult struct {
	Store   ports.Store
	AMQP    *amqp.Client
	Cleanup func() error
}

// Opener builds a ready BackendResult from Config.
type Opener interface {
	Open(ctx context.Context, cfg Config) (*BackendResult, error)
}
