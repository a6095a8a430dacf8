// Package integrity implements the Hash Engine and Integrity Verifier
// (SPEC_FULL.md §4.8): streaming checksums consumed incrementally by the
// Segment Worker and on whole files by the Orchestrator and Tool Facade.
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"os"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// NewHasher returns a fresh hash.Hash for algo. No third-party hashing
// library appears anywhere in the retrieval pack, so this is stdlib
// crypto/*; see DESIGN.md.
func NewHasher(algo coretypes.Algorithm) (hash.Hash, error) {
	switch algo {
	case coretypes.MD5:
		return md5.New(), nil
	case coretypes.SHA1:
		return sha1.New(), nil
	case coretypes.SHA256:
		return sha256.New(), nil
	case coretypes.SHA512:
		return sha512.New(), nil
	default:
		return nil, coretypes.NewUnsupportedError("unsupported hash algorithm: " + string(algo))
	}
}

// StreamingVerifier is fed bytes incrementally (as a Segment Worker
// streams a response body) and produces a final digest on Digest. It is
// explicitly non-resettable, matching spec.md §4.8 — construct a new
// instance to start over.
type StreamingVerifier struct {
	h     hash.Hash
	algo  coretypes.Algorithm
	bytes int64
	done  bool
}

// NewStreamingVerifier starts a new streaming hash for algo.
func NewStreamingVerifier(algo coretypes.Algorithm) (*StreamingVerifier, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return nil, err
	}
	return &StreamingVerifier{h: h, algo: algo}, nil
}

// Update feeds bytes into the running hash. Safe to call repeatedly
// until Digest is called.
func (v *StreamingVerifier) Update(p []byte) error {
	if v.done {
		return coretypes.NewInternalError("StreamingVerifier.Update called after Digest", nil)
	}
	n, err := v.h.Write(p)
	v.bytes += int64(n)
	if err != nil {
		return coretypes.NewInternalError("hashing chunk", err)
	}
	return nil
}

// Digest finalizes the hash and returns its lowercase hex encoding. The
// verifier must not be reused afterward.
func (v *StreamingVerifier) Digest() string {
	v.done = true
	return hexDigest(v.h)
}

// BytesHashed returns the number of bytes fed through Update so far.
func (v *StreamingVerifier) BytesHashed() int64 { return v.bytes }

func hexDigest(h hash.Hash) string {
	const hexChars = "0123456789abcdef"
	sum := h.Sum(nil)
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hexChars[b>>4]
		out[i*2+1] = hexChars[b&0x0F]
	}
	return string(out)
}

// VerificationResult is returned by VerifyFile.
type VerificationResult struct {
	Actual   string
	Expected string
	OK       bool
	Bytes    int64
	Elapsed  time.Duration
}

// VerifyFile streams path through algo and, if expected is non-empty,
// reports whether the digests match (case-insensitively).
func VerifyFile(path string, algo coretypes.Algorithm, expected string) (*VerificationResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, coretypes.NewFilesystemError("opening file for verification", err)
	}
	defer f.Close()

	h, err := NewHasher(algo)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, coretypes.NewFilesystemError("reading file for verification", err)
	}
	elapsed := time.Since(start)

	actual := hexDigest(h)
	result := &VerificationResult{Actual: actual, Expected: expected, Bytes: n, Elapsed: elapsed}
	if expected != "" {
		result.OK = strings.EqualFold(actual, expected)
	} else {
		result.OK = true
	}
	return result, nil
}

// SegmentResult pairs a segment id with its verification outcome.
type SegmentResult struct {
	SegmentID string
	Result    *VerificationResult
}

// VerifySegments verifies each segment's part file independently
// against its own recorded checksum, per spec.md §4.8.
func VerifySegments(segments []coretypes.Segment, algo coretypes.Algorithm) ([]SegmentResult, error) {
	out := make([]SegmentResult, 0, len(segments))
	for _, seg := range segments {
		res, err := VerifyFile(seg.PartPath, algo, seg.Checksum)
		if err != nil {
			return nil, err
		}
		out = append(out, SegmentResult{SegmentID: seg.ID, Result: res})
	}
	return out, nil
}

// CompareFiles reports whether two files have identical digests under algo.
func CompareFiles(a, b string, algo coretypes.Algorithm) (bool, error) {
	ra, err := VerifyFile(a, algo, "")
	if err != nil {
		return false, err
	}
	rb, err := VerifyFile(b, algo, "")
	if err != nil {
		return false, err
	}
	return strings.EqualFold(ra.Actual, rb.Actual), nil
}

// SniffMIME returns a best-effort content type for path by inspecting
// its leading bytes, independent of whatever the origin server claimed
// in its Content-Type header.
func SniffMIME(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", coretypes.NewFilesystemError("opening file for mime sniff", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return "", coretypes.NewFilesystemError("reading file header for mime sniff", err)
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream", nil
	}
	return kind.MIME.Value, nil
}
