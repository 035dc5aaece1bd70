// Package resp implements the wire codec of the driver: the request encoder,
// an incremental decoder for RESP2 and RESP3 replies and the closed set of
// output decoders that turn a reply into a Go value.
//
// Encoding:
//
// A request is always an array of binary-safe bulk strings. AppendCommand
// appends the frame of one command to a buffer, so a pipeline of commands is
// built by appending several frames to the same buffer. AppendReply encodes
// any reply value and is used by tests and mock servers.
//
// Decoding:
//
// The Decoder is fed with whatever the transport returned (Feed) and yields
// complete replies (Next). When the buffered bytes do not hold a complete
// reply, Next returns ErrIncomplete and keeps only the offset into the buffer
// and a stack with the remaining arity of every open aggregate. A scalar is
// either consumed completely or not at all, so partial reads never consume a
// byte twice or drop one. Malformed lengths, bad terminators and unknown type
// markers yield a *common.ProtocolError. The error is sticky: a decoder that
// returned a protocol error never yields another reply and the connection that
// owns it must be torn down.
//
// Supported types:
//
//   - RESP2: simple string (+), error (-), integer (:), bulk string ($) and
//     array (*), including the null bulk string and the null array
//   - RESP3: null (_), double (,), boolean (#), blob error (!), verbatim
//     string (=), big number ((), map (%), set (~) and push (>). Attributes (|)
//     are decoded and dropped.
//
// Push replies (Kind == KindPush) are out-of-band messages of the server
// (pub/sub, client side caching invalidation). The connection routes them to
// its push handler instead of the command queue.
package resp
