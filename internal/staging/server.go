package staging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/kriansa/pve-exe-runner/internal/log"
)

const shutdownTimeout = 5 * time.Second

// Server serves the files of one manifest over plain HTTP
type Server struct {
	manifest Manifest
	bindHost string
	port     int

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	group    *errgroup.Group
}

// NewServer creates a server for m bound to host:port. Port 0 picks a free port.
func NewServer(m Manifest, host string, port int) *Server {
	return &Server{manifest: m, bindHost: host, port: port}
}

// Handler returns the router serving manifest entries by name
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/{name}", s.serveArtifact).Methods(http.MethodGet, http.MethodHead)
	return router
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("artifact server already started")
	}

	addr := net.JoinHostPort(s.bindHost, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group := &errgroup.Group{}
	group.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve artifacts: %w", err)
		}
		return nil
	})

	s.srv, s.listener, s.group = srv, ln, group
	log.Info("artifact server listening", "url", s.urlLocked(), "files", s.manifest.Len())
	return nil
}

// Stop shuts the server down gracefully and waits for the serving goroutine.
// Stopping a server that is not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	shutdownErr := s.srv.Shutdown(ctx)
	if shutdownErr != nil {
		// force the remaining connections closed
		_ = s.srv.Close()
	}
	serveErr := s.group.Wait()

	log.Debug("artifact server stopped", "addr", s.listener.Addr().String())
	s.srv, s.listener, s.group = nil, nil, nil

	if shutdownErr != nil {
		return fmt.Errorf("shutdown artifact server: %w", shutdownErr)
	}
	return serveErr
}

// Addr returns the bound address, or nil when not running
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the base URL the guest downloads from
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urlLocked()
}

func (s *Server) urlLocked() string {
	port := s.port
	if s.listener != nil {
		if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
	}
	return "http://" + net.JoinHostPort(s.bindHost, strconv.Itoa(port))
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	artifact, ok := s.manifest.Lookup(name)
	if !ok {
		log.Warn("refusing request for unknown artifact", "name", name, "remote", r.RemoteAddr)
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(artifact.LocalPath)
	if err != nil {
		log.Error("failed to open artifact", "name", name, "error", err)
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}

	log.Debug("serving artifact", "name", name, "size", units.HumanSize(float64(info.Size())), "remote", r.RemoteAddr)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// WithServer runs fn while a server for m is listening and always stops it
// afterwards, whether fn succeeds, fails or panics.
func WithServer(ctx context.Context, m Manifest, host string, port int, fn func(*Server) error) (err error) {
	srv := NewServer(m, host, port)
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		stopErr := srv.Stop(context.WithoutCancel(ctx))
		if err == nil && stopErr != nil {
			err = stopErr
		}
	}()

	return fn(srv)
}

// EscapedPath returns the URL path segment for an artifact name
func EscapedPath(name string) string {
	return url.PathEscape(name)
}

// LocalAddrFor returns the controller address the target routes back to.
// The target may be a host, a host:port pair or a URL. No packets are sent:
// a UDP connect only selects the outgoing interface.
func LocalAddrFor(target string) (string, error) {
	host := target
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("route to %s: %w", target, err)
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if host == "" {
		return "", fmt.Errorf("route to %q: no host", target)
	}

	conn, err := net.Dial("udp", net.JoinHostPort(host, "80"))
	if err != nil {
		return "", fmt.Errorf("route to %s: %w", host, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("route to %s: unexpected local address %s", host, conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
