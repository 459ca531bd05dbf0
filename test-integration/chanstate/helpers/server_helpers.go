// Package helpers provides server lifecycle and HTTP helpers for the chanstate
// integration tests.
package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/gomega"

	"github.com/stacklok/chanstate/internal/app"
	"github.com/stacklok/chanstate/internal/config"
)

// ServerTestHelper manages the chanstate server lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	httpClient *http.Client
	app        *app.App
	serveErr   chan error
}

// NewServerTestHelper creates a new server test helper
func NewServerTestHelper(ctx context.Context, configPath string) *ServerTestHelper {
	return &ServerTestHelper{
		ctx:        ctx,
		configPath: configPath,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// StartServer builds the application from the config file and serves it on a
// random local port. It does not wait for the managers to load.
func (s *ServerTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	a, err := app.New(s.ctx, app.WithConfig(cfg), app.WithAddress(l.Addr().String()))
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to build app: %w", err)
	}

	s.app = a
	s.baseURL = "http://" + l.Addr().String()
	s.serveErr = make(chan error, 1)
	go func() {
		s.serveErr <- a.Serve(l)
	}()

	return nil
}

// StopServer gracefully stops the server, flushing pending writes
func (s *ServerTestHelper) StopServer() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Stop(5 * time.Second)
	if serveErr := <-s.serveErr; serveErr != nil && err == nil {
		err = serveErr
	}
	s.app = nil
	return err
}

// WaitForServerReady waits until every manager has loaded
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 100*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// Do sends a request with an optional JSON body to the server
func (s *ServerTestHelper) Do(method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(s.ctx, method, s.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.httpClient.Do(req)
}

// Get makes a GET request to path
func (s *ServerTestHelper) Get(path string) (*http.Response, error) {
	return s.Do(http.MethodGet, path, nil)
}

// GetBaseURL returns the base URL of the server
func (s *ServerTestHelper) GetBaseURL() string {
	return s.baseURL
}

// DecodeResponse reads a JSON body into out and closes it
func DecodeResponse(resp *http.Response, out any) error {
	defer func() {
		_ = resp.Body.Close()
	}()
	return json.NewDecoder(resp.Body).Decode(out)
}

// StorageOptions configures the storage section written by WriteConfigYAML
type StorageOptions struct {
	// Type is file or bolt
	Type string
	// BoardsDebounce overrides the boards debounce window when set
	BoardsDebounce string
}

// WriteConfigYAML writes a configuration file storing data under dir and
// returns its path.
func WriteConfigYAML(dir string, opts StorageOptions) string {
	storagePath := filepath.Join(dir, "data")
	if opts.Type == config.StorageTypeBolt {
		storagePath = filepath.Join(dir, "chanstate.db")
	}

	configContent := fmt.Sprintf(`storage:
  type: %s
  path: %s

managers:
  bookmarks:
    persistence: awaited
    debounce: 50ms
  postHides:
    persistence: awaited
    bus:
      policy: buffered
`, opts.Type, storagePath)

	if opts.BoardsDebounce != "" {
		configContent += fmt.Sprintf(`  boards:
    persistence: awaited
    debounce: %s
`, opts.BoardsDebounce)
	}

	configPath := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(configPath, []byte(configContent), 0600)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return configPath
}
