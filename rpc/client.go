// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rpatterson/tahoe-lafs/bind"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/log"
)

func init() {
	bind.RegisterStorage(grid.Remote, dialer{})
	bind.RegisterHelper(grid.Remote, dialer{})
}

// httpClient calls methods of a server at a net address.
type httpClient struct {
	client  *http.Client
	baseURL string
}

func newClient(netAddr grid.NetAddr) *httpClient {
	t := &http.Transport{
		// The following values are the same as
		// net/http.DefaultTransport.
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &httpClient{
		client:  &http.Client{Transport: t},
		baseURL: "http://" + string(netAddr),
	}
}

// invoke calls the given method ("service/Method") and parses the
// response. A transport failure is an IO error; an error returned by
// the method arrives with its kind intact.
func (c *httpClient) invoke(ctx context.Context, op errors.Op, method string, req message) (fields, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(req))
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.Header.Get("Content-Type") == contentType && len(body) > 0 {
			return nil, errors.E(op, errors.UnmarshalError(body))
		}
		return nil, errors.E(op, errors.IO, errors.Errorf("%s: %s", resp.Status, body))
	}
	f, err := parse(body)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return f, nil
}

type dialer struct{}

// DialStorage implements bind.StorageDialer. It pings the server so
// that an unreachable server is not marked connected.
func (dialer) DialStorage(ctx context.Context, e grid.Endpoint) (grid.StorageServer, error) {
	const op errors.Op = "rpc.DialStorage"
	s := &storageClient{c: newClient(e.NetAddr)}
	f, err := s.c.invoke(ctx, op, "storage/Ping", nil)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("rpc: storage server %q at %v", f.string(1), e)
	return s, nil
}

// DialHelper implements bind.HelperDialer.
func (dialer) DialHelper(ctx context.Context, e grid.Endpoint) (grid.Helper, error) {
	return &helperClient{c: newClient(e.NetAddr)}, nil
}

// storageClient is a grid.StorageServer reached over HTTP.
type storageClient struct {
	c *httpClient
}

var _ grid.StorageServer = (*storageClient)(nil)

// AllocateBuckets implements grid.StorageServer.
func (s *storageClient) AllocateBuckets(ctx context.Context, si grid.StorageIndex, leases grid.LeaseSecrets, shares []grid.ShareNum, allocatedSize int64) ([]grid.ShareNum, map[grid.ShareNum]grid.BucketWriter, error) {
	const op errors.Op = "rpc.AllocateBuckets"
	req := message(nil).bytes(1, si[:]).message(2, leasesMessage(leases))
	req = appendShareNums(req, 3, shares).int(4, allocatedSize)
	f, err := s.c.invoke(ctx, op, "storage/AllocateBuckets", req)
	if err != nil {
		return nil, nil, err
	}
	subs, err := f.messages(2)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	writers := make(map[grid.ShareNum]grid.BucketWriter, len(subs))
	for _, w := range subs {
		writers[grid.ShareNum(w.uint(1))] = &bucketWriter{c: s.c, token: w.string(2)}
	}
	return f.shareNums(1), writers, nil
}

// GetBuckets implements grid.StorageServer.
func (s *storageClient) GetBuckets(ctx context.Context, si grid.StorageIndex) (map[grid.ShareNum]grid.BucketReader, error) {
	const op errors.Op = "rpc.GetBuckets"
	f, err := s.c.invoke(ctx, op, "storage/GetBuckets", message(nil).bytes(1, si[:]))
	if err != nil {
		return nil, err
	}
	readers := make(map[grid.ShareNum]grid.BucketReader)
	for _, sh := range f.shareNums(1) {
		readers[sh] = &bucketReader{c: s.c, si: si, share: sh}
	}
	return readers, nil
}

// SlotReadv implements grid.StorageServer.
func (s *storageClient) SlotReadv(ctx context.Context, si grid.StorageIndex, shares []grid.ShareNum, readv []grid.ReadVector) (map[grid.ShareNum][][]byte, error) {
	const op errors.Op = "rpc.SlotReadv"
	req := appendShareNums(message(nil).bytes(1, si[:]), 2, shares)
	req = appendReadVectors(req, 3, readv)
	f, err := s.c.invoke(ctx, op, "storage/SlotReadv", req)
	if err != nil {
		return nil, err
	}
	data, err := parseShareData(f, 1)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return data, nil
}

// SlotTestAndWrite implements grid.StorageServer.
func (s *storageClient) SlotTestAndWrite(ctx context.Context, si grid.StorageIndex, we grid.WriteEnabler, leases grid.LeaseSecrets, tw map[grid.ShareNum]grid.TestAndWrite, readv []grid.ReadVector) (bool, map[grid.ShareNum][][]byte, error) {
	const op errors.Op = "rpc.SlotTestAndWrite"
	req := message(nil).bytes(1, si[:]).bytes(2, we[:]).message(3, leasesMessage(leases))
	req = appendTestAndWrite(req, 4, tw)
	req = appendReadVectors(req, 5, readv)
	f, err := s.c.invoke(ctx, op, "storage/SlotTestAndWrite", req)
	if err != nil {
		return false, nil, err
	}
	data, err := parseShareData(f, 2)
	if err != nil {
		return false, nil, errors.E(op, err)
	}
	return f.bool(1), data, nil
}

// AdviseCorruptShare implements grid.StorageServer.
func (s *storageClient) AdviseCorruptShare(ctx context.Context, si grid.StorageIndex, share grid.ShareNum, mutable bool, reason string) error {
	const op errors.Op = "rpc.AdviseCorruptShare"
	req := message(nil).bytes(1, si[:]).uint(2, uint64(share)).bool(3, mutable).string(4, reason)
	_, err := s.c.invoke(ctx, op, "storage/AdviseCorruptShare", req)
	return err
}

// bucketWriter refers to a writer held by the server under a token.
type bucketWriter struct {
	c     *httpClient
	token string
}

// WriteAt implements grid.BucketWriter.
func (w *bucketWriter) WriteAt(ctx context.Context, offset int64, data []byte) error {
	const op errors.Op = "rpc.WriteBucket"
	_, err := w.c.invoke(ctx, op, "storage/WriteBucket", message(nil).string(1, w.token).int(2, offset).bytes(3, data))
	return err
}

// Close implements grid.BucketWriter.
func (w *bucketWriter) Close(ctx context.Context) error {
	const op errors.Op = "rpc.CloseBucket"
	_, err := w.c.invoke(ctx, op, "storage/CloseBucket", message(nil).string(1, w.token))
	return err
}

// Abort implements grid.BucketWriter.
func (w *bucketWriter) Abort(ctx context.Context) error {
	const op errors.Op = "rpc.AbortBucket"
	_, err := w.c.invoke(ctx, op, "storage/AbortBucket", message(nil).string(1, w.token))
	return err
}

// bucketReader reads one share of an immutable file.
type bucketReader struct {
	c     *httpClient
	si    grid.StorageIndex
	share grid.ShareNum
}

// ReadAt implements grid.BucketReader.
func (r *bucketReader) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	const op errors.Op = "rpc.ReadBucket"
	req := message(nil).bytes(1, r.si[:]).uint(2, uint64(r.share)).int(3, offset).int(4, length)
	f, err := r.c.invoke(ctx, op, "storage/ReadBucket", req)
	if err != nil {
		return nil, err
	}
	return f.bytes(1), nil
}

// helperClient is a grid.Helper reached over HTTP.
type helperClient struct {
	c *httpClient
}

var _ grid.Helper = (*helperClient)(nil)

// Offer implements grid.Helper.
func (h *helperClient) Offer(ctx context.Context, req grid.OfferRequest) (*grid.Offer, error) {
	const op errors.Op = "rpc.Offer"
	m := message(nil).bytes(1, req.SI[:]).int(2, req.Size).message(3, paramsMessage(req.Params)).bool(4, req.Convergent)
	f, err := h.c.invoke(ctx, op, "helper/Offer", m)
	if err != nil {
		return nil, err
	}
	o := &grid.Offer{
		Status:     grid.OfferStatus(f.uint(1)),
		Session:    f.string(2),
		ResumeFrom: f.int(3),
		ChunkSize:  int(f.uint(4)),
	}
	if len(f[5]) > 0 {
		rf, err := f.message(5)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if o.Results, err = parseResults(rf); err != nil {
			return nil, errors.E(op, err)
		}
	}
	return o, nil
}

// Push implements grid.Helper.
func (h *helperClient) Push(ctx context.Context, session string, offset int64, data []byte) error {
	const op errors.Op = "rpc.Push"
	_, err := h.c.invoke(ctx, op, "helper/Push", message(nil).string(1, session).int(2, offset).bytes(3, data))
	return err
}

// Finalize implements grid.Helper.
func (h *helperClient) Finalize(ctx context.Context, session string) (*grid.HelperResults, error) {
	const op errors.Op = "rpc.Finalize"
	f, err := h.c.invoke(ctx, op, "helper/Finalize", message(nil).string(1, session))
	if err != nil {
		return nil, err
	}
	r, err := parseResults(f)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return r, nil
}

// Abort implements grid.Helper.
func (h *helperClient) Abort(ctx context.Context, session string) error {
	const op errors.Op = "rpc.Abort"
	_, err := h.c.invoke(ctx, op, "helper/Abort", message(nil).string(1, session))
	return err
}
