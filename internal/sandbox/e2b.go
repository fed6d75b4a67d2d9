package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultE2BAPIURL = "https://api.e2b.app"
	defaultE2BDomain = "e2b.app"
	envdPort         = 49983
	envdUser         = "user"
)

// E2BConfig configures the hosted E2B provider.
type E2BConfig struct {
	APIKey string
	APIURL string // control plane, default https://api.e2b.app
	Domain string // sandbox domain, default e2b.app

	// EnvdURL overrides the per-sandbox daemon address. Tests point it at
	// a local server.
	EnvdURL func(sandboxID, domain string) string
}

// E2BProvider talks to the E2B REST API and the in-sandbox envd daemon.
type E2BProvider struct {
	config E2BConfig
	client *http.Client
	logger *slog.Logger
}

// NewE2BProvider creates an E2B provider.
func NewE2BProvider(cfg E2BConfig, client *http.Client, logger *slog.Logger) *E2BProvider {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultE2BAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Domain == "" {
		cfg.Domain = defaultE2BDomain
	}
	if cfg.EnvdURL == nil {
		cfg.EnvdURL = func(id, domain string) string {
			return fmt.Sprintf("https://%d-%s.%s", envdPort, id, domain)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &E2BProvider{config: cfg, client: client, logger: logger.With("provider", "e2b")}
}

type e2bSandbox struct {
	SandboxID       string    `json:"sandboxID"`
	TemplateID      string    `json:"templateID"`
	ClientID        string    `json:"clientID"`
	EnvdAccessToken string    `json:"envdAccessToken"`
	Domain          string    `json:"domain"`
	StartedAt       time.Time `json:"startedAt"`
	EndAt           time.Time `json:"endAt"`
}

// apiError is an unexpected response from the control plane.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("e2b api returned %d: %s", e.Status, e.Body)
}

func (p *E2BProvider) api(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.APIURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", p.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func isStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == status
}

func (p *E2BProvider) domain(d string) string {
	if d != "" {
		return d
	}
	return p.config.Domain
}

func (p *E2BProvider) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	secs := int(opts.Timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	var sb e2bSandbox
	err := p.api(ctx, http.MethodPost, "/sandboxes", map[string]any{
		"templateID": opts.Template,
		"timeout":    secs,
	}, &sb)
	if err != nil {
		return nil, err
	}
	if sb.SandboxID == "" {
		return nil, fmt.Errorf("e2b api returned no sandbox id")
	}

	started := time.Now().UTC()
	return &Info{
		ID:        sb.SandboxID,
		URL:       fmt.Sprintf("https://%d-%s.%s", opts.Port, sb.SandboxID, p.domain(sb.Domain)),
		StartedAt: started,
		ExpiresAt: started.Add(opts.Timeout),
	}, nil
}

func (p *E2BProvider) Connect(ctx context.Context, id string) (*Handle, error) {
	var sb e2bSandbox
	if err := p.api(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, &sb); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if !sb.EndAt.IsZero() && !time.Now().Before(sb.EndAt) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return &Handle{ID: id, AccessToken: sb.EnvdAccessToken}, nil
}

func (p *E2BProvider) envd(ctx context.Context, h *Handle, method, path, contentType string, body io.Reader) (*http.Response, error) {
	base := p.config.EnvdURL(h.ID, p.config.Domain)
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth(envdUser, "")
	if h.AccessToken != "" {
		req.Header.Set("X-Access-Token", h.AccessToken)
	}
	return p.client.Do(req)
}

func (p *E2BProvider) WriteFile(ctx context.Context, h *Handle, path string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", path)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	q := url.Values{"path": {path}, "username": {envdUser}}
	resp, err := p.envd(ctx, h, http.MethodPost, "/files?"+q.Encode(), mw.FormDataContentType(), &buf)
	if err != nil {
		return fmt.Errorf("uploading file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("uploading file: envd returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Connect protocol envelope flags.
const (
	connectFlagEndStream = 0x02
)

func connectEnvelope(msg []byte) []byte {
	out := make([]byte, 5+len(msg))
	binary.BigEndian.PutUint32(out[1:5], uint32(len(msg)))
	copy(out[5:], msg)
	return out
}

// readEnvelope reads one Connect streaming frame.
func readEnvelope(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > 1<<20 {
		return 0, nil, fmt.Errorf("envelope too large: %d bytes", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, err
	}
	return hdr[0], msg, nil
}

func (p *E2BProvider) RunDetached(ctx context.Context, h *Handle, command string) error {
	msg, err := json.Marshal(map[string]any{
		"process": map[string]any{
			"cmd":  "/bin/bash",
			"args": []string{"-l", "-c", command},
			"envs": map[string]string{},
			"cwd":  "/home/" + envdUser,
		},
	})
	if err != nil {
		return err
	}

	resp, err := p.envd(ctx, h, http.MethodPost, "/process.Process/Start",
		"application/connect+json", bytes.NewReader(connectEnvelope(msg)))
	if err != nil {
		return fmt.Errorf("starting process: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("starting process: envd returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// The first frame is either the start event or an end-of-stream error.
	flags, frame, err := readEnvelope(resp.Body)
	if err != nil {
		return fmt.Errorf("starting process: reading response: %w", err)
	}
	if flags&connectFlagEndStream != 0 {
		var end struct {
			Error *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(frame, &end) == nil && end.Error != nil {
			return fmt.Errorf("starting process: %s: %s", end.Error.Code, end.Error.Message)
		}
	}
	return nil
}

func (p *E2BProvider) Kill(ctx context.Context, id string) error {
	err := p.api(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(id), nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
