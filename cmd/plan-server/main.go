package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/tensorgraph/pkg/blobs"
	"k8s.io/examples/AI/tensorgraph/pkg/planner"
	"k8s.io/klog/v2"
)

// maxDescriptionBytes bounds POST bodies.
const maxDescriptionBytes = 16 << 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/plan-server/graphs"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory for graph descriptions")

	alignment := 0
	if s := os.Getenv("PLAN_ALIGNMENT"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("parsing PLAN_ALIGNMENT %q: %w", s, err)
		}
		alignment = v
	}
	flag.IntVar(&alignment, "alignment", alignment, "alignment in bytes of tensor regions (power of two, 0 for the default)")

	maxArenaBytes := planner.DefaultMaxArenaBytes
	if s := os.Getenv("PLAN_MAX_ARENA_BYTES"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("parsing PLAN_MAX_ARENA_BYTES %q: %w", s, err)
		}
		maxArenaBytes = v
	}
	flag.IntVar(&maxArenaBytes, "max-arena-bytes", maxArenaBytes, "reject graphs whose tensor arena is larger than this (0 for no limit)")

	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	var blobstore blobs.Blobstore
	cacheBucket := os.Getenv("CACHE_BUCKET")
	switch {
	case cacheBucket == "":
		log.Info("no CACHE_BUCKET set, serving descriptions from the cache directory only")
	case strings.HasPrefix(cacheBucket, "gs://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(cacheBucket, "gs://"), "/")
		log.Info("using GCS cache", "bucket", bucket, "prefix", prefix)
		blobstore = &blobs.GCSBlobstore{Bucket: bucket, Prefix: prefix}
	case strings.HasPrefix(cacheBucket, "file://"):
		dir := strings.TrimPrefix(cacheBucket, "file://")
		log.Info("using local blobstore", "dir", dir)
		blobstore = &blobs.FileBlobstore{Dir: dir}
	default:
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>) or a file:// directory")
	}

	p, err := planner.New(planner.Options{Alignment: alignment, MaxArenaBytes: maxArenaBytes})
	if err != nil {
		return err
	}

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
		planner: p,
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "shutting down server")
		}
	}()

	log.Info("serving", "listen", listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}

type httpServer struct {
	blobCache *blobCache
	planner   *planner.Planner
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := klog.FromContext(r.Context()).WithValues("method", r.Method, "path", r.URL.Path)
	r = r.WithContext(klog.NewContext(r.Context(), log))

	tokens := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	switch {
	case len(tokens) == 1 && tokens[0] == "plan":
		if r.Method == "POST" {
			s.servePOSTPlan(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return

	case len(tokens) == 2 && (tokens[0] == "graphs" || tokens[0] == "plans"):
		if r.Method != "GET" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if tokens[0] == "graphs" {
			s.serveGETGraph(w, r, tokens[1])
		} else {
			s.serveGETPlan(w, r, tokens[1])
		}
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

// servePOSTPlan plans the posted description. The name query parameter (default
// graph.json) names the graph and selects JSON or YAML.
func (s *httpServer) servePOSTPlan(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "graph.json"
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDescriptionBytes))
	if err != nil {
		writeError(w, r, status.Errorf(codes.InvalidArgument, "reading request body: %v", err))
		return
	}
	s.plan(w, r, name, data)
}

func (s *httpServer) serveGETGraph(w http.ResponseWriter, r *http.Request, key string) {
	f, err := s.blobCache.GetBlob(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	klog.FromContext(r.Context()).V(2).Info("serving graph description", "path", f.Name())
	http.ServeContent(w, r, key, time.Time{}, f)
}

func (s *httpServer) serveGETPlan(w http.ResponseWriter, r *http.Request, key string) {
	f, err := s.blobCache.GetBlob(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		writeError(w, r, fmt.Errorf("reading %q: %w", key, err))
		return
	}
	s.plan(w, r, key, data)
}

func (s *httpServer) plan(w http.ResponseWriter, r *http.Request, name string, data []byte) {
	report, err := s.planner.PlanBytes(r.Context(), name, data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		klog.FromContext(r.Context()).Error(err, "writing response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch status.Code(err) {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.FailedPrecondition:
		code = http.StatusPreconditionFailed
	}
	if code == http.StatusInternalServerError {
		klog.FromContext(r.Context()).Error(err, "internal error")
		http.Error(w, "internal server error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

type blobCache struct {
	BaseDir   string
	blobstore blobs.Blobstore
}

// GetBlob opens the cached description for key, fetching it from the blobstore on a
// miss.
func (c *blobCache) GetBlob(ctx context.Context, key string) (*os.File, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid key %q", key)
	}

	localPath := filepath.Join(c.BaseDir, filepath.FromSlash(key))
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", key, err)
	}

	if c.blobstore == nil {
		return nil, status.Errorf(codes.NotFound, "blob %q not found", key)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Key: key}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", key)
		}
		return nil, fmt.Errorf("fetching blob %q: %w", key, err)
	}
	return os.Open(localPath)
}
