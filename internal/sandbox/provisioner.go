package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Provisioner creates sandboxes and deploys lesson components into them
// under a fixed Policy.
type Provisioner struct {
	provider Provider
	policy   Policy
	logger   *slog.Logger

	// OnStartFailure, when set, is called after a detached start fails.
	OnStartFailure func(id string, err error)

	wg sync.WaitGroup
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(provider Provider, policy Policy, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.StartTimeout <= 0 {
		policy.StartTimeout = 30 * time.Second
	}
	return &Provisioner{
		provider: provider,
		policy:   policy,
		logger:   logger.With("component", "provisioner"),
	}
}

// Policy returns the provisioner's policy.
func (p *Provisioner) Policy() Policy { return p.policy }

// Create starts a sandbox from template, or the policy template when
// template is empty. The policy timeout is applied at creation.
func (p *Provisioner) Create(ctx context.Context, template string) (*Info, error) {
	if template == "" {
		template = p.policy.Template
	}
	info, err := p.provider.Create(ctx, CreateOptions{
		Template: template,
		Timeout:  p.policy.Timeout,
		Port:     p.policy.Port,
	})
	if err != nil {
		return nil, &ProvisionError{Op: "create", Err: err}
	}
	p.logger.Info("sandbox created", "sandbox_id", info.ID, "url", info.URL, "expires_at", info.ExpiresAt)
	return info, nil
}

// Connect returns a handle to a running sandbox.
func (p *Provisioner) Connect(ctx context.Context, id string) (*Handle, error) {
	h, err := p.provider.Connect(ctx, id)
	if err != nil {
		return nil, &ProvisionError{Op: "connect", ID: id, Err: err}
	}
	return h, nil
}

// Deploy writes content to path (the policy app path when empty) and
// launches the dev server without waiting for it. A failed write is a
// *DeployError; a failed launch is only logged.
func (p *Provisioner) Deploy(ctx context.Context, id, path, content string) error {
	if path == "" {
		path = p.policy.AppPath
	}

	h, err := p.Connect(ctx, id)
	if err != nil {
		return err
	}

	if err := p.provider.WriteFile(ctx, h, path, []byte(content)); err != nil {
		return &DeployError{ID: id, Path: path, Err: err}
	}
	p.logger.Info("lesson deployed", "sandbox_id", id, "path", path, "bytes", len(content))

	p.startDetached(ctx, h)
	return nil
}

// startDetached launches the start command in its own goroutine. The
// launch outlives ctx cancellation but is bounded by StartTimeout.
func (p *Provisioner) startDetached(ctx context.Context, h *Handle) {
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.policy.StartTimeout)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		if err := p.provider.RunDetached(startCtx, h, p.policy.StartCommand); err != nil {
			p.logger.Warn("dev server start failed", "sandbox_id", h.ID, "error", err)
			if p.OnStartFailure != nil {
				p.OnStartFailure(h.ID, err)
			}
			return
		}
		p.logger.Debug("dev server launched", "sandbox_id", h.ID)
	}()
}

// Kill destroys a sandbox.
func (p *Provisioner) Kill(ctx context.Context, id string) error {
	if err := p.provider.Kill(ctx, id); err != nil {
		return &ProvisionError{Op: "kill", ID: id, Err: err}
	}
	p.logger.Info("sandbox killed", "sandbox_id", id)
	return nil
}

// Wait blocks until every detached start has returned.
func (p *Provisioner) Wait() {
	p.wg.Wait()
}
