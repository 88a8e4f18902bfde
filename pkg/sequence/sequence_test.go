package sequence

import (
	"testing"

	"github.com/cyclopcam/captioner/pkg/vocab"
	"github.com/stretchr/testify/require"
)

func letters(t *testing.T) *vocab.Vocabulary {
	v, err := vocab.New(map[string]int32{"a": 1, "b": 2, "c": 3, "d": 4}, "a", "d", vocab.Options{})
	require.NoError(t, err)
	return v
}

func TestTruncateKeepsMostRecent(t *testing.T) {
	v := letters(t)
	require.Equal(t, []int32{3, 4}, Encode(v, []string{"a", "b", "c", "d"}, 2))
}

func TestPadding(t *testing.T) {
	v := letters(t)
	require.Equal(t, []int32{1, 0, 0}, Encode(v, []string{"a"}, 3))
	require.Equal(t, []int32{1, 2, 3, 4}, Encode(v, []string{"a", "b", "c", "d"}, 4))
}

func TestUnknownTokenUsesFallback(t *testing.T) {
	v := letters(t)
	require.Equal(t, []int32{1, 0, 2}, Encode(v, []string{"a", "zzz", "b"}, 3))
}

func TestLengthIsAlwaysExact(t *testing.T) {
	v := letters(t)
	all := []string{"a", "b", "c", "d", "a", "b", "c"}
	for n := 1; n <= len(all); n++ {
		for maxLen := 1; maxLen <= 10; maxLen++ {
			require.Len(t, Encode(v, all[:n], maxLen), maxLen)
		}
	}
}

func TestPrePostOptions(t *testing.T) {
	ids := []int32{1, 2, 3, 4}
	require.Equal(t, []int32{0, 0, 1, 2, 3, 4}, PadIDs(ids, Options{MaxLength: 6, Padding: Pre}))
	require.Equal(t, []int32{1, 2}, PadIDs(ids, Options{MaxLength: 2, Truncating: Post}))
	require.Equal(t, []int32{3, 4}, PadIDs(ids, Options{MaxLength: 2, Truncating: Pre}))
	// input must not be modified
	require.Equal(t, []int32{1, 2, 3, 4}, ids)
}

func TestEncodeWith(t *testing.T) {
	v := letters(t)
	tokens := []string{"a", "b", "c"}
	require.Equal(t, Encode(v, tokens, 5), EncodeWith(v, tokens, DefaultOptions(5)))
	require.Equal(t, []int32{0, 0, 1, 2, 3}, EncodeWith(v, tokens, Options{MaxLength: 5, Padding: Pre}))
	require.Equal(t, []int32{1, 2}, EncodeWith(v, tokens, Options{MaxLength: 2, Truncating: Post}))
	require.Equal(t, []int32{2, 3}, EncodeWith(v, tokens, Options{MaxLength: 2, Truncating: Pre}))
	require.Panics(t, func() { EncodeWith(v, tokens, Options{}) })
}

func TestInvalidLengthPanics(t *testing.T) {
	v := letters(t)
	require.Panics(t, func() { Encode(v, []string{"a"}, 0) })
}
