// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package rpc carries the storage server and helper protocols over HTTP.

RPC wire protocol

Each method call is an HTTP POST to a URL naming the service and the
method; the response is returned in the body. Both request and response
are protocol buffers in binary wire format, built field by field with
the protowire package. The field numbers of each message are listed
beside the method that handles it in server.go.

For example, to read part of share 3 of an immutable file from the
storage server at node.example.com:3456, send to the URL
     http://node.example.com:3456/storage/ReadBucket
a request holding the storage index, share number, offset and length.

The storage service has the methods Ping, AllocateBuckets, WriteBucket,
CloseBucket, AbortBucket, GetBuckets, ReadBucket, SlotReadv,
SlotTestAndWrite and AdviseCorruptShare. The helper service has Offer,
Push, Finalize and Abort.

AllocateBuckets returns a token for each bucket writer; later writes
name the writer by its token. A writer whose token goes unused for the
idle timeout is aborted, and a helper session that goes unused is
disconnected. That is how the server learns a client has gone away.

If an error occurs while processing a request, the server returns a 500
Internal Server Error status code with the error, encoded by
errors.MarshalError, as the body. The client decodes it so the error
kind survives the trip.

Importing the package registers its dialers with bind for the Remote
transport.
*/
package rpc
