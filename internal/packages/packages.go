// Package packages locates the install-packages bundle for a build and checks
// that the build server actually has it before a VM is spent on it.
package packages

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"boxforge/internal/logging"
	"boxforge/internal/pipeline"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultURLTemplate is where the build server publishes the packages rpm.
const DefaultURLTemplate = "http://10.84.5.100/cs-shared/builder/centos64_os/{{.Build}}/contrail-install-packages-1.03-{{.Build}}.el6.noarch.rpm"

// Source derives the packages bundle location from a build number.
type Source struct {
	URLTemplate string
}

// Bundle is the resolved location of one build's packages.
type Bundle struct {
	URL  string
	File string
}

// Resolve renders the URL template for distribution and build.
func (s Source) Resolve(distribution, build string) (Bundle, error) {
	tmpl := s.URLTemplate
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}

	rendered, err := pipeline.RenderTemplate(tmpl, pipeline.Vars{Distribution: distribution, Build: build})
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to render packages URL: %w", err)
	}

	file, err := FileName(rendered)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{URL: rendered, File: file}, nil
}

// FileName returns the file name the bundle is saved under after download.
func FileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid packages URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid packages URL %q: scheme and host are required", rawURL)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("invalid packages URL %q: no file name", rawURL)
	}
	return name, nil
}

// Checker probes the build server for a packages bundle.
type Checker struct {
	client *retryablehttp.Client
}

// NewChecker returns a checker that retries transient HTTP errors up to
// retries times, each attempt bounded by timeout.
func NewChecker(retries int, timeout time.Duration) *Checker {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = leveledLogger{}
	return &Checker{client: client}
}

// Check issues a HEAD request for bundleURL and fails unless the server
// answers 2xx.
func (c *Checker) Check(ctx context.Context, bundleURL string) error {
	logging.Logger().Info("Checking packages bundle availability", zap.String("url", bundleURL))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, bundleURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("packages bundle %s unreachable: %w", bundleURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("packages bundle %s returned status code: %d", bundleURL, resp.StatusCode)
	}

	logging.Logger().Debug("Packages bundle available",
		zap.String("url", bundleURL),
		zap.Int64("content_length", resp.ContentLength))
	return nil
}

// leveledLogger routes retryablehttp's logging through zap.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Errorw(msg, keysAndValues...)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Infow(msg, keysAndValues...)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Debugw(msg, keysAndValues...)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Warnw(msg, keysAndValues...)
}
