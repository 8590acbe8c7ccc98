// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"context"
	"io"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/mutable"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// Node is a file or directory in the grid. It is one of *ImmutableFile,
// *LiteralFile, *MutableFile or *Directory.
type Node interface {
	// Cap returns the node's capability.
	Cap() uri.Cap
	// Size returns the length of the node's contents.
	Size(ctx context.Context) (int64, error)
	// Read writes size bytes of the contents, starting at offset, to w.
	// A negative size means the rest of the contents. The range is
	// clipped to the end of the contents.
	Read(ctx context.Context, w io.Writer, offset, size int64) error

	isNode()
}

func (*ImmutableFile) isNode() {}
func (*LiteralFile) isNode()   {}
func (*MutableFile) isNode()   {}
func (*Directory) isNode()     {}

// clip returns the part of b selected by offset and size.
func clip(b []byte, offset, size int64) ([]byte, error) {
	if offset < 0 {
		return nil, errors.E(errors.Invalid, errors.Errorf("negative offset %d", offset))
	}
	if offset > int64(len(b)) {
		offset = int64(len(b))
	}
	end := int64(len(b))
	if size >= 0 && size < end-offset {
		end = offset + size
	}
	return b[offset:end], nil
}

// ReadAll returns the whole contents of n.
func ReadAll(ctx context.Context, n Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := n.Read(ctx, &buf, 0, -1); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImmutableFile is a file stored in the grid that never changes.
type ImmutableFile struct {
	c   *Client
	cap *uri.CHK
}

// Cap implements Node.
func (f *ImmutableFile) Cap() uri.Cap { return f.cap }

// Size implements Node. The size is part of the capability.
func (f *ImmutableFile) Size(ctx context.Context) (int64, error) { return f.cap.Size, nil }

// Read implements Node. Only the segments covering the range are
// fetched.
func (f *ImmutableFile) Read(ctx context.Context, w io.Writer, offset, size int64) error {
	const op errors.Op = "client.ImmutableFile.Read"
	b, err := f.c.downloader.Read(ctx, f.cap, offset, size)
	if err != nil {
		return errors.E(op, err)
	}
	if _, err := w.Write(b); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// LiteralFile is a small file held entirely in its capability.
type LiteralFile struct {
	cap *uri.Literal
}

// Cap implements Node.
func (f *LiteralFile) Cap() uri.Cap { return f.cap }

// Size implements Node.
func (f *LiteralFile) Size(ctx context.Context) (int64, error) { return int64(len(f.cap.Data)), nil }

// Read implements Node.
func (f *LiteralFile) Read(ctx context.Context, w io.Writer, offset, size int64) error {
	const op errors.Op = "client.LiteralFile.Read"
	b, err := clip(f.cap.Data, offset, size)
	if err != nil {
		return errors.E(op, err)
	}
	if _, err := w.Write(b); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// MutableFile is a file whose contents can be replaced by the holder
// of its write capability.
type MutableFile struct {
	node *mutable.Node
}

// Cap implements Node.
func (f *MutableFile) Cap() uri.Cap { return f.node.Cap() }

// Size implements Node.
func (f *MutableFile) Size(ctx context.Context) (int64, error) { return f.node.Size(ctx) }

// Read implements Node.
func (f *MutableFile) Read(ctx context.Context, w io.Writer, offset, size int64) error {
	const op errors.Op = "client.MutableFile.Read"
	b, err := f.node.DownloadBestVersion(ctx)
	if err != nil {
		return errors.E(op, err)
	}
	if b, err = clip(b, offset, size); err != nil {
		return errors.E(op, err)
	}
	if _, err := w.Write(b); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// IsReadOnly reports whether the file cannot be changed through this
// node.
func (f *MutableFile) IsReadOnly() bool { return f.node.IsReadOnly() }

// Overwrite replaces the contents.
func (f *MutableFile) Overwrite(ctx context.Context, contents []byte) error {
	return f.node.Overwrite(ctx, contents)
}

// Modify applies fn to the contents, retrying if another writer
// interferes.
func (f *MutableFile) Modify(ctx context.Context, fn func(old []byte) ([]byte, error)) error {
	return f.node.Modify(ctx, fn)
}
