package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// HTTPBlobReader fetches blobs from a blob server, such as plan-server's /graphs/
// endpoint or a static file server.
type HTTPBlobReader struct {
	// BaseURL is the URL that keys are resolved against, typically http://plan-server/graphs/
	BaseURL *url.URL

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

var _ BlobReader = &HTTPBlobReader{}

func (l *HTTPBlobReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	u := l.BaseURL.JoinPath(info.Key)

	body, err := l.open(ctx, u.String())
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}
	defer body.Close()

	if _, err := writeToFile(ctx, body, destPath); err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}
	return nil
}

func (l *HTTPBlobReader) open(ctx context.Context, url string) (io.ReadCloser, error) {
	log := klog.FromContext(ctx)

	log.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpClient := l.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	startedAt := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("blob not found: %w", os.ErrNotExist)
		}
		return nil, fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}

	log.V(2).Info("blob response", "url", url, "contentLength", resp.ContentLength, "duration", time.Since(startedAt))
	return resp.Body, nil
}
