// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gocloud.dev/blob"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

func TestBucket_WriteRead(t *testing.T) {
	ctx := context.Background()
	out, err := Open(ctx, "mem://", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer out.Close()

	if err := out.Write(ctx, "/dir/a.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	got, err := out.Read(ctx, "dir/a.txt")
	if err != nil || string(got) != "hello" {
		t.Errorf("Read = %q, %v", got, err)
	}
}

func TestBucket_Prefix(t *testing.T) {
	ctx := context.Background()
	bkt, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatal(err)
	}
	out := New(bkt, "/runs/42/", nil)
	defer out.Close()

	if err := out.Write(ctx, "x.bin", []byte{1, 2, 3}, ""); err != nil {
		t.Fatal(err)
	}
	ok, err := bkt.Exists(ctx, "runs/42/x.bin")
	if err != nil || !ok {
		t.Errorf("Expected object under prefix, exists=%v err=%v", ok, err)
	}
}

func TestOpen_LocalDirectory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "out")
	out, err := Open(ctx, dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer out.Close()

	if err := out.Write(ctx, "sub/file.txt", []byte("disk"), ""); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "sub", "file.txt"))
	if err != nil || string(got) != "disk" {
		t.Errorf("file on disk = %q, %v", got, err)
	}
}

func TestBucket_ReceivesArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader([]byte("content of "+r.URL.Path)))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := Open(ctx, "mem://", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	o := batchfetch.New(batchfetch.Config{Output: out})
	defer o.Close()
	batchID, err := o.SubmitBatch(ctx, []batchfetch.TaskSpec{
		{URL: srv.URL + "/a"},
		{URL: srv.URL + "/b"},
	}, batchfetch.Options{ArchiveName: "bundle.zip"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := o.Wait(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := out.Read(ctx, "bundle.zip")
	if err != nil {
		t.Fatalf("archive not written to bucket: %v", err)
	}
	if !bytes.Equal(got, res.Archive.Data) {
		t.Errorf("bucket archive differs from result")
	}
}
