// Package sandbox provisions ephemeral, network-reachable environments
// that serve a generated lesson component.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the provider has no sandbox with the given id.
	ErrNotFound = errors.New("sandbox not found")
	// ErrExpired means the sandbox existed but its lifetime has ended.
	ErrExpired = errors.New("sandbox expired")
)

// CreateOptions describes a sandbox to create.
type CreateOptions struct {
	Template string
	Timeout  time.Duration // absolute lifetime, enforced by the provider
	Port     int           // internal port the app server listens on
}

// Info describes a created sandbox. ID and URL come from the same call.
type Info struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handle is a live connection to a sandbox.
type Handle struct {
	ID          string
	AccessToken string
}

// Provider is a sandbox hosting backend.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (*Info, error)
	// Connect fails with ErrNotFound or ErrExpired when the sandbox is gone.
	Connect(ctx context.Context, id string) (*Handle, error)
	WriteFile(ctx context.Context, h *Handle, path string, data []byte) error
	// RunDetached starts command in the background and returns once it
	// has been launched.
	RunDetached(ctx context.Context, h *Handle, command string) error
	Kill(ctx context.Context, id string) error
}

// ProvisionError is returned when a sandbox cannot be created or reached.
type ProvisionError struct {
	Op  string
	ID  string
	Err error
}

func (e *ProvisionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("sandbox %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// DeployError is returned when the lesson file cannot be written.
type DeployError struct {
	ID   string
	Path string
	Err  error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploying %s to sandbox %s: %v", e.Path, e.ID, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }
