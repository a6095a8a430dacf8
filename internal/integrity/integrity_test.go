package integrity

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/coretypes"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestVerifyFile_MatchingChecksum(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTempFile(t, content)

	sum := sha256.Sum256(content)
	expected := fmt.Sprintf("%x", sum)

	result, err := VerifyFile(path, coretypes.SHA256, expected)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, expected, result.Actual)
	assert.EqualValues(t, len(content), result.Bytes)
}

func TestVerifyFile_MismatchingChecksum(t *testing.T) {
	path := writeTempFile(t, []byte("some content"))

	result, err := VerifyFile(path, coretypes.SHA256, "deadbeef")
	require.NoError(t, err)
	assert.False(t, result.OK)
}

func TestVerifyFile_NoExpectedAlwaysOK(t *testing.T) {
	path := writeTempFile(t, []byte("content"))

	result, err := VerifyFile(path, coretypes.MD5, "")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.NotEmpty(t, result.Actual)
}

func TestNewHasher_UnsupportedAlgorithm(t *testing.T) {
	_, err := NewHasher(coretypes.Algorithm("crc32"))
	require.Error(t, err)

	var coreErr *coretypes.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, coretypes.ErrKindUnsupported, coreErr.Kind)
}

func TestStreamingVerifier_MatchesWholeFileDigest(t *testing.T) {
	content := []byte("streamed in chunks across multiple Update calls")
	path := writeTempFile(t, content)

	verifier, err := NewStreamingVerifier(coretypes.SHA256)
	require.NoError(t, err)

	for i := 0; i < len(content); i += 7 {
		end := i + 7
		if end > len(content) {
			end = len(content)
		}
		require.NoError(t, verifier.Update(content[i:end]))
	}

	streamedDigest := verifier.Digest()

	fileResult, err := VerifyFile(path, coretypes.SHA256, "")
	require.NoError(t, err)
	assert.Equal(t, fileResult.Actual, streamedDigest)
	assert.EqualValues(t, len(content), verifier.BytesHashed())
}

func TestCompareFiles(t *testing.T) {
	a := writeTempFile(t, []byte("identical content"))
	b := writeTempFile(t, []byte("identical content"))
	c := writeTempFile(t, []byte("different content"))

	equal, err := CompareFiles(a, b, coretypes.SHA256)
	require.NoError(t, err)
	assert.True(t, equal)

	equal, err = CompareFiles(a, c, coretypes.SHA256)
	require.NoError(t, err)
	assert.False(t, equal)
}

func TestVerifySegments(t *testing.T) {
	seg0Path := writeTempFile(t, []byte("segment zero bytes"))
	seg1Path := writeTempFile(t, []byte("segment one bytes"))

	seg0Result, err := VerifyFile(seg0Path, coretypes.SHA256, "")
	require.NoError(t, err)

	segments := []coretypes.Segment{
		{ID: "segment_0", PartPath: seg0Path, Checksum: seg0Result.Actual},
		{ID: "segment_1", PartPath: seg1Path, Checksum: "wrong"},
	}

	results, err := VerifySegments(segments, coretypes.SHA256)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Result.OK)
	assert.False(t, results[1].Result.OK)
}
