package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sample is one record from a shard. Target is nil for standalone images.
type Sample struct {
	Key    string
	Input  []byte
	Target []byte
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

type role int

const (
	roleStandalone role = iota
	roleInput
	roleTarget
)

// parseMember splits a tar member name into its sample key and role.
// ok is false for members that carry no image.
func parseMember(name string) (key string, r role, ok bool) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png":
	default:
		return "", 0, false
	}
	stem := strings.TrimSuffix(base, ext)
	switch strings.ToLower(filepath.Ext(stem)) {
	case ".input":
		return stem[:len(stem)-len(".input")], roleInput, true
	case ".target":
		return stem[:len(stem)-len(".target")], roleTarget, true
	}
	return stem, roleStandalone, true
}

// StreamShard streams samples from the shard at path. Members named
// <key>.<ext> are standalone inputs; <key>.input.<ext> and <key>.target.<ext>
// are paired by key. Other members, .cls labels included, are skipped.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		emit := func(s Sample) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- s:
				return true
			}
		}

		for {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar %s: %w", path, err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, r, ok := parseMember(hdr.Name)
			if !ok {
				continue
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read image %s: %w", hdr.Name, err)
				return
			}

			if r == roleStandalone {
				if !emit(Sample{Key: key, Input: data}) {
					return
				}
				continue
			}

			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if r == roleInput {
				part.input = data
			} else {
				part.target = data
			}
			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}
			if part.ready() {
				delete(pending, key)
				if !emit(Sample{Key: key, Input: part.input, Target: part.target}) {
					return
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%s: %d samples incomplete", path, len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	input  []byte
	target []byte
}

func (p *partial) ready() bool {
	return len(p.input) > 0 && len(p.target) > 0
}
