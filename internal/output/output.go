// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package output writes finished artifacts and archives to a blob bucket.
//
// Targets are either bucket URLs understood by gocloud.dev (s3://, gs://,
// mem://, file://) or a plain local directory.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Bucket implements batchfetch.Output on top of a *blob.Bucket.
type Bucket struct {
	bucket *blob.Bucket
	prefix string
	log    *log.Logger
}

// Open resolves target to a bucket. A target without a URL scheme is a
// local directory, created if missing.
func Open(ctx context.Context, target string, logger *log.Logger) (*Bucket, error) {
	if logger == nil {
		logger = log.Default()
	}
	var (
		bkt *blob.Bucket
		err error
	)
	if strings.Contains(target, "://") {
		bkt, err = blob.OpenBucket(ctx, target)
	} else {
		dir, aerr := filepath.Abs(target)
		if aerr != nil {
			return nil, aerr
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		bkt, err = fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	}
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", target, err)
	}
	return New(bkt, "", logger), nil
}

// New wraps an already opened bucket. Every key is written under prefix.
func New(bkt *blob.Bucket, prefix string, logger *log.Logger) *Bucket {
	if logger == nil {
		logger = log.Default()
	}
	return &Bucket{bucket: bkt, prefix: strings.Trim(prefix, "/"), log: logger.WithPrefix("output")}
}

// Write stores data under key.
func (b *Bucket) Write(ctx context.Context, key string, data []byte, contentType string) error {
	full := b.key(key)
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := b.bucket.WriteAll(ctx, full, data, opts); err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}
	b.log.Debug("wrote object", "key", full, "bytes", len(data))
	return nil
}

// Read returns the object stored under key.
func (b *Bucket) Read(ctx context.Context, key string) ([]byte, error) {
	return b.bucket.ReadAll(ctx, b.key(key))
}

// Exists reports whether key has been written.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	return b.bucket.Exists(ctx, b.key(key))
}

// Close releases the bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}

func (b *Bucket) key(k string) string {
	k = strings.TrimLeft(filepath.ToSlash(k), "/")
	if b.prefix == "" {
		return k
	}
	return b.prefix + "/" + k
}
