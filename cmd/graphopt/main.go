// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/examples/AI/tensorgraph/pkg/blobs"
	"k8s.io/examples/AI/tensorgraph/pkg/planner"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	alignment := 0
	if s := os.Getenv("GRAPHOPT_ALIGNMENT"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("parsing GRAPHOPT_ALIGNMENT %q: %w", s, err)
		}
		alignment = v
	}
	flag.IntVar(&alignment, "alignment", alignment, "alignment in bytes of tensor regions (power of two, 0 for the default)")

	maxArenaBytes := planner.DefaultMaxArenaBytes
	if s := os.Getenv("GRAPHOPT_MAX_ARENA_BYTES"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("parsing GRAPHOPT_MAX_ARENA_BYTES %q: %w", s, err)
		}
		maxArenaBytes = v
	}
	flag.IntVar(&maxArenaBytes, "max-arena-bytes", maxArenaBytes, "reject graphs whose tensor arena is larger than this (0 for no limit)")

	uploadBucket := os.Getenv("GRAPHOPT_UPLOAD_BUCKET")
	flag.StringVar(&uploadBucket, "upload-bucket", uploadBucket, "if set, upload plans to this GCS location (gs://<bucket>[/prefix])")

	var opts planner.Options
	flag.BoolVar(&opts.DisableOptimize, "no-optimize", false, "skip the transpose rewrites")
	flag.BoolVar(&opts.Execute, "execute", false, "run graphs whose inputs all have values on the fallback engine")

	dump := false
	flag.BoolVar(&dump, "dump", dump, "print the prepared graph to stderr")

	jobs := 4
	flag.IntVar(&jobs, "jobs", jobs, "number of graphs to plan concurrently")

	maxAttempts := 5
	flag.IntVar(&maxAttempts, "max-download-attempts", maxAttempts, "attempts to fetch each description before failing")

	klog.InitFlags(nil)

	flag.Parse()

	if flag.NArg() == 0 {
		return fmt.Errorf("usage: graphopt [flags] <description>... (local path, gs://bucket/key or http(s) url)")
	}

	opts.Alignment = alignment
	opts.MaxArenaBytes = maxArenaBytes
	p, err := planner.New(opts)
	if err != nil {
		return err
	}

	var uploader *blobs.GCSBlobstore
	if uploadBucket != "" {
		if !strings.HasPrefix(uploadBucket, "gs://") {
			return fmt.Errorf("upload bucket must be a GCS bucket URL (gs://<bucketName>)")
		}
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(uploadBucket, "gs://"), "/")
		uploader = &blobs.GCSBlobstore{Bucket: bucket, Prefix: prefix}
	}

	tmpDir, err := os.MkdirTemp("", "graphopt")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	type result struct {
		Source string `json:"source"`
		*planner.Report
		Uploaded string `json:"uploaded,omitempty"`
	}
	results := make([]result, flag.NArg())

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(jobs)
	for i, location := range flag.Args() {
		group.Go(func() error {
			reader, info, err := blobs.ParseLocation(location)
			if err != nil {
				return err
			}
			loader := &DescriptionLoader{
				reader:              reader,
				maxDownloadAttempts: maxAttempts,
			}
			localPath := filepath.Join(tmpDir, fmt.Sprintf("%d-%s", i, filepath.Base(info.Key)))
			if err := loader.downloadToFile(ctx, info, localPath); err != nil {
				return fmt.Errorf("downloading %q: %w", location, err)
			}

			data, err := os.ReadFile(localPath)
			if err != nil {
				return fmt.Errorf("reading %q: %w", localPath, err)
			}
			report, err := p.PlanBytes(ctx, info.Key, data)
			if err != nil {
				return fmt.Errorf("planning %q: %w", location, err)
			}
			results[i] = result{Source: location, Report: report}

			if uploader != nil {
				url, err := uploadPlan(ctx, uploader, tmpDir, report)
				if err != nil {
					return fmt.Errorf("uploading plan for %q: %w", location, err)
				}
				results[i].Uploaded = url
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	for _, r := range results {
		if dump {
			fmt.Fprintf(os.Stderr, "# %s\n%s", r.Source, r.Dump)
		}
		if err := encoder.Encode(r); err != nil {
			return fmt.Errorf("writing plan: %w", err)
		}
	}
	return nil
}

// uploadPlan stores the plan under a key derived from its content, so re-uploading
// an unchanged plan is a no-op.
func uploadPlan(ctx context.Context, store *blobs.GCSBlobstore, tmpDir string, report *planner.Report) (string, error) {
	data, err := json.Marshal(report.Plan)
	if err != nil {
		return "", fmt.Errorf("encoding plan: %w", err)
	}
	sum := sha256.Sum256(data)
	info := blobs.BlobInfo{
		Key: report.Name + "-" + hex.EncodeToString(sum[:8]) + ".plan.json",
	}

	localPath := filepath.Join(tmpDir, info.Key)
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing plan: %w", err)
	}
	if err := store.Upload(ctx, localPath, info); err != nil {
		return "", err
	}
	return store.URL(info), nil
}

type DescriptionLoader struct {
	// reader is the interface to fetch blobs
	reader blobs.BlobReader

	// maxDownloadAttempts is the number of times to attempt a download before failing
	maxDownloadAttempts int

	// retryInterval defaults to five seconds.
	retryInterval time.Duration
}

func (l *DescriptionLoader) downloadToFile(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	retryInterval := l.retryInterval
	if retryInterval == 0 {
		retryInterval = 5 * time.Second
	}

	attempt := 0
	for {
		attempt++

		err := l.reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= l.maxDownloadAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}
