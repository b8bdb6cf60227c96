// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"
)

// ArchiveWriter receives completed artifacts one at a time and produces a
// single archive. Entries are written as they are appended so the caller
// can drop each buffer before loading the next.
type ArchiveWriter interface {
	AppendEntry(name string, data []byte) error
	Finalize() ([]byte, error)
}

// ZipArchive is an ArchiveWriter producing a zip file in memory.
type ZipArchive struct {
	buf   bytes.Buffer
	zw    *zip.Writer
	names map[string]int
	mod   time.Time
}

// NewZipArchive returns an empty zip archive.
func NewZipArchive() ArchiveWriter {
	a := &ZipArchive{names: make(map[string]int), mod: time.Now()}
	a.zw = zip.NewWriter(&a.buf)
	return a
}

// AppendEntry adds data under name. Duplicate names get a numeric suffix.
func (a *ZipArchive) AppendEntry(name string, data []byte) error {
	clean, err := entryName(name)
	if err != nil {
		return err
	}
	clean = a.unique(clean)
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     clean,
		Method:   zip.Deflate,
		Modified: a.mod,
	})
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", clean, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("zip entry %s: %w", clean, err)
	}
	return nil
}

// Finalize writes the central directory and returns the archive bytes.
func (a *ZipArchive) Finalize() ([]byte, error) {
	if err := a.zw.Close(); err != nil {
		return nil, fmt.Errorf("zip finalize: %w", err)
	}
	return a.buf.Bytes(), nil
}

func (a *ZipArchive) unique(name string) string {
	n := a.names[name]
	a.names[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, taken := a.names[candidate]; !taken {
			a.names[candidate] = 1
			return candidate
		}
		n++
	}
}

// entryName turns a target path into a safe relative archive name.
func entryName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := path.Clean("/" + name)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("%w: empty archive entry name", ErrInvalidInput)
	}
	return clean, nil
}
