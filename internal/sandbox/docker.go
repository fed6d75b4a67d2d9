package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	dockerLabel        = "lessonforge.sandbox"
	dockerExpiresLabel = "lessonforge.expires-at"
	dockerNamePrefix   = "lessonforge-"
)

// DockerConfig configures the local Docker provider.
type DockerConfig struct {
	Images     map[string]string // template id -> image
	Image      string            // fallback image for unknown templates
	MaxMemory  string            // --memory limit (e.g. "1g")
	PublicHost string            // host used in sandbox URLs
	Network    string            // optional --network
}

// runner executes the docker CLI. stdin may be nil.
type runner func(ctx context.Context, stdin io.Reader, args ...string) (string, error)

// DockerProvider runs each sandbox as a long-lived container whose PID 1
// is `sleep <timeout>`, so the lifetime is enforced by the container
// itself.
type DockerProvider struct {
	config DockerConfig
	logger *slog.Logger
	run    runner
	now    func() time.Time
}

// NewDockerProvider creates a Docker provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "1g"
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvider{
		config: cfg,
		logger: logger.With("provider", "docker"),
		run:    runDocker,
		now:    time.Now,
	}
}

func runDocker(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("docker %s: %w", args[0], err)
		}
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, msg)
	}
	return stdout.String(), nil
}

func (d *DockerProvider) image(template string) (string, error) {
	if img, ok := d.config.Images[template]; ok {
		return img, nil
	}
	if d.config.Image != "" {
		return d.config.Image, nil
	}
	return "", fmt.Errorf("no image configured for template %q", template)
}

func (d *DockerProvider) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	image, err := d.image(opts.Template)
	if err != nil {
		return nil, err
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("invalid port %d", opts.Port)
	}

	name := dockerNamePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	started := d.now().UTC()
	expires := started.Add(opts.Timeout)
	secs := int(opts.Timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", dockerLabel + "=1",
		"--label", dockerExpiresLabel + "=" + strconv.FormatInt(expires.Unix(), 10),
		"--memory", d.config.MaxMemory,
		"--security-opt=no-new-privileges",
		"-p", strconv.Itoa(opts.Port),
	}
	if d.config.Network != "" {
		args = append(args, "--network", d.config.Network)
	}
	args = append(args, image, "sleep", strconv.Itoa(secs))

	if _, err := d.run(ctx, nil, args...); err != nil {
		return nil, err
	}

	out, err := d.run(ctx, nil, "port", name, fmt.Sprintf("%d/tcp", opts.Port))
	if err != nil {
		d.remove(name)
		return nil, err
	}
	hostPort, err := parseHostPort(out)
	if err != nil {
		d.remove(name)
		return nil, err
	}

	return &Info{
		ID:        name,
		URL:       fmt.Sprintf("http://%s:%s", d.config.PublicHost, hostPort),
		StartedAt: started,
		ExpiresAt: expires,
	}, nil
}

// remove is best-effort cleanup after a partially failed create.
func (d *DockerProvider) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.run(ctx, nil, "rm", "-f", name); err != nil {
		d.logger.Warn("removing container failed", "container", name, "error", err)
	}
}

// parseHostPort reads the first mapping printed by `docker port`, e.g.
// "0.0.0.0:49153".
func parseHostPort(out string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	i := strings.LastIndex(line, ":")
	if i < 0 || i == len(line)-1 {
		return "", fmt.Errorf("unexpected docker port output %q", out)
	}
	port := strings.TrimSpace(line[i+1:])
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("unexpected docker port output %q", out)
	}
	return port, nil
}

func isNoSuchObject(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such")
}

func (d *DockerProvider) Connect(ctx context.Context, id string) (*Handle, error) {
	out, err := d.run(ctx, nil, "inspect", "-f",
		`{{.State.Running}} {{index .Config.Labels "`+dockerExpiresLabel+`"}}`, id)
	if err != nil {
		if isNoSuchObject(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "true" {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	if len(fields) > 1 {
		if exp, err := strconv.ParseInt(fields[1], 10, 64); err == nil && !d.now().Before(time.Unix(exp, 0)) {
			return nil, fmt.Errorf("%w: %s", ErrExpired, id)
		}
	}
	return &Handle{ID: id}, nil
}

func (d *DockerProvider) WriteFile(ctx context.Context, h *Handle, path string, data []byte) error {
	_, err := d.run(ctx, bytes.NewReader(data), "exec", "-i", h.ID,
		"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", path)
	return err
}

func (d *DockerProvider) RunDetached(ctx context.Context, h *Handle, command string) error {
	_, err := d.run(ctx, nil, "exec", "-d", h.ID, "sh", "-c", command)
	return err
}

func (d *DockerProvider) Kill(ctx context.Context, id string) error {
	if _, err := d.run(ctx, nil, "rm", "-f", id); err != nil {
		if isNoSuchObject(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// ListExpired returns the ids of lesson containers whose expiry label is
// at or before now, including stopped ones.
func (d *DockerProvider) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	out, err := d.run(ctx, nil, "ps", "-a",
		"--filter", "label="+dockerLabel,
		"--format", `{{.Names}} {{.Label "`+dockerExpiresLabel+`"}}`)
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		exp, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if !now.Before(time.Unix(exp, 0)) {
			expired = append(expired, fields[0])
		}
	}
	return expired, nil
}
