package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/poll"
	"github.com/kriansa/pve-exe-runner/internal/version"
)

const (
	// DefaultPort is the Proxmox VE API port
	DefaultPort = 8006

	// DefaultTaskInterval is how often task status is polled
	DefaultTaskInterval = 2 * time.Second
	// DefaultStatusInterval is how often power state is polled while booting
	DefaultStatusInterval = 3 * time.Second

	authCookie = "PVEAuthCookie"
	csrfHeader = "CSRFPreventionToken"

	requestTimeout = 30 * time.Second
)

// Config holds the connection settings of the control plane
type Config struct {
	Host      string
	User      string
	Password  string
	VerifyTLS bool
}

// Client is a ticket-authenticated client of the Proxmox VE REST API
type Client struct {
	baseURL        string
	user           string
	password       string
	httpClient     *http.Client
	ticket         string
	csrf           string
	taskInterval   time.Duration
	statusInterval time.Duration
}

// ClientOption is a functional option for Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client (for testing)
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL overrides the API base URL derived from the host
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithPollIntervals overrides the task and power-state polling intervals
func WithPollIntervals(task, status time.Duration) ClientOption {
	return func(c *Client) {
		c.taskInterval = task
		c.statusInterval = status
	}
}

// NewClient creates a client for the API at cfg.Host. No request is made
// until Authenticate is called.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("proxmox host is required")
	}

	c := &Client{
		baseURL:  BaseURL(cfg.Host),
		user:     cfg.User,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS}, //nolint:gosec // self-signed PVE certificates
			},
		},
		taskInterval:   DefaultTaskInterval,
		statusInterval: DefaultStatusInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// BaseURL returns the API root for host, adding scheme and port when absent
func BaseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimRight(host, "/") + "/api2/json"
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(DefaultPort))
	}
	return "https://" + host + "/api2/json"
}

// Authenticate obtains a ticket and CSRF token. Failures are wrapped in
// failure.ErrAuthentication and must not be retried.
func (c *Client) Authenticate(ctx context.Context) error {
	log.Debug("authenticating with proxmox", "url", c.baseURL, "user", c.user)

	form := url.Values{}
	form.Set("username", c.user)
	form.Set("password", c.password)

	var resp ticketResponse
	err := c.do(ctx, http.MethodPost, "/access/ticket", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
			return fmt.Errorf("%w: %v", failure.ErrAuthentication, err)
		}
		return fmt.Errorf("request ticket: %w", err)
	}
	if resp.Ticket == "" {
		return fmt.Errorf("%w: empty ticket in response", failure.ErrAuthentication)
	}

	c.ticket = resp.Ticket
	c.csrf = resp.CSRFPreventionToken

	log.Debug("proxmox ticket acquired", "user", c.user)
	return nil
}

// Nodes lists the cluster nodes
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.get(ctx, "/nodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// DefaultNode returns the first node the API reports
func (c *Client) DefaultNode(ctx context.Context) (string, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", fmt.Errorf("proxmox reported no nodes")
	}
	return nodes[0].Node, nil
}

// RollbackSnapshot starts a snapshot rollback and returns its task id (UPID)
func (c *Client) RollbackSnapshot(ctx context.Context, node string, vmid int, snapshot string) (string, error) {
	var upid string
	path := fmt.Sprintf("%s/snapshot/%s/rollback", qemuPath(node, vmid), url.PathEscape(snapshot))
	if err := c.post(ctx, path, nil, &upid); err != nil {
		return "", fmt.Errorf("rollback snapshot %s: %w", snapshot, err)
	}
	return upid, nil
}

// TaskStatus fetches the status of a task
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (TaskStatus, error) {
	var status TaskStatus
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	if err := c.get(ctx, path, nil, &status); err != nil {
		return TaskStatus{}, fmt.Errorf("task status: %w", err)
	}
	return status, nil
}

// AwaitTask polls a task until it stops. A non-OK exit status returns a
// *failure.TaskFailedError; exceeding timeout returns failure.ErrTimeout.
func (c *Client) AwaitTask(ctx context.Context, node, upid string, timeout time.Duration) error {
	var last string
	err := poll.Until(ctx, c.taskInterval, timeout, func(ctx context.Context) (bool, error) {
		status, err := c.TaskStatus(ctx, node, upid)
		if err != nil {
			return false, err
		}
		if status.Status != last {
			log.Info("proxmox task state", "task", upid, "state", status.Status)
			last = status.Status
		}
		if !status.Stopped() {
			return false, nil
		}
		if !status.OK() {
			return false, &failure.TaskFailedError{Task: upid, ExitStatus: status.ExitStatus}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("await task %s: %w", upid, err)
	}
	return nil
}

// Status returns the current power state of a VM
func (c *Client) Status(ctx context.Context, node string, vmid int) (PowerState, error) {
	var resp vmStatusResponse
	if err := c.get(ctx, qemuPath(node, vmid)+"/status/current", nil, &resp); err != nil {
		return "", fmt.Errorf("vm status: %w", err)
	}
	return resp.Status, nil
}

// Start issues a power-on request and returns its task id
func (c *Client) Start(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	if err := c.post(ctx, qemuPath(node, vmid)+"/status/start", nil, &upid); err != nil {
		return "", fmt.Errorf("start vm: %w", err)
	}
	return upid, nil
}

// Shutdown issues an ACPI shutdown request and returns its task id
func (c *Client) Shutdown(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	if err := c.post(ctx, qemuPath(node, vmid)+"/status/shutdown", nil, &upid); err != nil {
		return "", fmt.Errorf("shutdown vm: %w", err)
	}
	return upid, nil
}

// EnsureRunning starts the VM if needed and polls until it reports running
func (c *Client) EnsureRunning(ctx context.Context, node string, vmid int, timeout time.Duration) error {
	state, err := c.Status(ctx, node, vmid)
	if err != nil {
		return err
	}
	if state != PowerRunning {
		log.Info("vm not running, sending start", "vmid", vmid, "state", state)
		if _, err := c.Start(ctx, node, vmid); err != nil {
			return err
		}
	}

	last := state
	err = poll.Until(ctx, c.statusInterval, timeout, func(ctx context.Context) (bool, error) {
		state, err := c.Status(ctx, node, vmid)
		if err != nil {
			return false, err
		}
		if state != last {
			log.Info("vm state", "vmid", vmid, "state", state)
			last = state
		}
		return state == PowerRunning, nil
	})
	if err != nil {
		return fmt.Errorf("wait for vm %d to run: %w", vmid, err)
	}
	return nil
}

// AgentPing checks that the guest agent answers
func (c *Client) AgentPing(ctx context.Context, node string, vmid int) error {
	if err := c.post(ctx, qemuPath(node, vmid)+"/agent/ping", nil, nil); err != nil {
		return fmt.Errorf("agent ping: %w", err)
	}
	return nil
}

// AgentExec starts command with args inside the guest and returns its pid
func (c *Client) AgentExec(ctx context.Context, node string, vmid int, command string, args []string) (int, error) {
	body, err := json.Marshal(map[string]any{
		"command": append([]string{command}, args...),
	})
	if err != nil {
		return 0, fmt.Errorf("encode exec request: %w", err)
	}

	var resp execResponse
	if err := c.do(ctx, http.MethodPost, qemuPath(node, vmid)+"/agent/exec", bytes.NewReader(body), "application/json", &resp); err != nil {
		return 0, fmt.Errorf("agent exec: %w", err)
	}
	return resp.PID, nil
}

// AgentExecStatus fetches the state of a guest process started by AgentExec
func (c *Client) AgentExecStatus(ctx context.Context, node string, vmid, pid int) (ExecStatus, error) {
	var status ExecStatus
	query := url.Values{"pid": {strconv.Itoa(pid)}}
	if err := c.get(ctx, qemuPath(node, vmid)+"/agent/exec-status", query, &status); err != nil {
		return ExecStatus{}, fmt.Errorf("agent exec status: %w", err)
	}
	return status, nil
}

func qemuPath(node string, vmid int) string {
	return fmt.Sprintf("/nodes/%s/qemu/%d", url.PathEscape(node), vmid)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	var body io.Reader
	contentType := ""
	if form != nil {
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	return c.do(ctx, http.MethodPost, path, body, contentType, out)
}

// do sends a request and decodes the "data" member of the response into out
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.ticket != "" {
		req.AddCookie(&http.Cookie{Name: authCookie, Value: c.ticket})
	}
	if c.csrf != "" && method != http.MethodGet {
		req.Header.Set(csrfHeader, c.csrf)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTLSError(err) {
			return fmt.Errorf("%w: %s %s: %v", failure.ErrAuthentication, method, path, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(fmt.Sprintf("%s %s → %s: %s", method, path, resp.Status, data)),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func isTLSError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification)
}
