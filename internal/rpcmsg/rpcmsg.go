// Package rpcmsg defines the message contracts exchanged between the
// Distributed Content Copier and a remote content service. Per spec.md §6
// only the contract is specified, not the wire encoding, so this package
// carries plain Go structs plus gojsonschema validation at the boundary
// (grounded on the teacher repository's use of xeipuuv/gojsonschema for
// its own boundary-validated payloads) rather than a generated transport
// stub.
package rpcmsg

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

// HashType distinguishes what a hash identifies, mirroring the teacher's
// convention of tagging a hash with the algorithm/semantics that produced
// it rather than assuming a single global meaning.
type HashType int

const (
	// HashTypeContent identifies file content by its stored hash.
	HashTypeContent HashType = iota
	// HashTypeSource identifies a hash computed directly from source bytes
	// (used by HashSourceFile pips before any content-store lookup).
	HashTypeSource
)

// Compression enumerates the codecs CopyFile can negotiate.
type Compression int

const (
	// CompressionNone ships content uncompressed.
	CompressionNone Compression = iota
	// CompressionGzip is selected server-side when payload size exceeds
	// the 8x-buffer threshold and the client advertised support for it.
	CompressionGzip
)

// Exception enumerates server-side failure reasons reported in a response
// header instead of a transport-level error, so the Copier can distinguish
// "try the next replica" from "abort this pip."
type Exception int

const (
	// ExceptionNone means the call succeeded.
	ExceptionNone Exception = iota
	// ExceptionContentNotFound means the remote does not hold this hash.
	ExceptionContentNotFound
	// ExceptionInternal covers any other server-side failure.
	ExceptionInternal
)

// ShouldCopy is PushFile's response-header verdict: whether the server
// wants the client to stream content, or already has it.
type ShouldCopy int

const (
	// ShouldCopyYes tells the client to stream content frames.
	ShouldCopyYes ShouldCopy = iota
	// ShouldCopyNo tells the client the server already has this hash.
	ShouldCopyNo
)

// CopyFileRequest is the request header for CopyFile.
type CopyFileRequest struct {
	Hash               contenthash.Hash
	HashType           HashType
	Offset             int64
	ClientSupportsGzip bool
	TraceID            string
}

// CopyFileResponseHeader is sent once before the content/index stream.
type CopyFileResponseHeader struct {
	FileSize    int64
	Compression Compression
	ChunkSize   int
	Exception   Exception
	Message     string
	TraceID     string
}

// CopyFileChunk is one frame of the CopyFile stream.
type CopyFileChunk struct {
	Content []byte
	Index   int
}

// PushFileRequestHeader opens a PushFile bidirectional stream.
type PushFileRequestHeader struct {
	Hash    contenthash.Hash
	TraceID string
}

// PushFileResponseHeader is the server's immediate reply to the request
// header, before any content frames are exchanged.
type PushFileResponseHeader struct {
	ShouldCopy ShouldCopy
	TraceID    string
}

// PushFileChunk is one client-streamed content frame.
type PushFileChunk struct {
	Content []byte
}

// PushFileFinalHeader is the server's closing reply once all content
// frames have been received.
type PushFileFinalHeader struct {
	Exception Exception
	Message   string
	TraceID   string
}

// RequestCopyFileRequest asks a remote to pull a hash from this node.
type RequestCopyFileRequest struct {
	Hash     contenthash.Hash
	HashType HashType
	TraceID  string
}

// RequestCopyFileResponse is RequestCopyFile's sole reply.
type RequestCopyFileResponse struct {
	Exception Exception
	Message   string
	TraceID   string
}

// CheckFileExistsRequest asks whether a remote holds a hash.
type CheckFileExistsRequest struct {
	Hash     contenthash.Hash
	HashType HashType
	TraceID  string
}

// CheckFileExistsResponse reports existence via Succeeded rather than a
// transport error, so a negative answer is not conflated with a failure.
type CheckFileExistsResponse struct {
	Succeeded bool
	TraceID   string
}

// headerSchema is the boundary-validation schema shared by every response
// header that carries an Exception/Message pair, expressed as JSON so it
// can validate headers arriving from a non-Go peer implementation without
// this package needing to know its transport.
const headerSchema = `{
  "type": "object",
  "properties": {
    "exception": {"type": "integer", "minimum": 0, "maximum": 2},
    "message": {"type": "string"},
    "traceId": {"type": "string"}
  },
  "required": ["exception", "traceId"]
}`

var compiledHeaderSchema = gojsonschema.NewStringLoader(headerSchema)

// ValidateHeaderDocument validates a decoded header document (as a
// map[string]any or equivalent JSON loader) against the shared header
// schema. Used at the RPC boundary before a response header is trusted.
func ValidateHeaderDocument(doc any) error {
	docLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(compiledHeaderSchema, docLoader)
	if err != nil {
		return fmt.Errorf("rpcmsg: schema validation failed: %w", err)
	}

	if !result.Valid() {
		return fmt.Errorf("rpcmsg: invalid header document: %v", result.Errors())
	}

	return nil
}
