package sequence

// Package sequence turns a running list of caption tokens into the fixed-length
// id sequence that the decoder model expects as input.

import (
	"fmt"

	"github.com/cyclopcam/captioner/pkg/vocab"
)

// Side of a sequence where padding or truncation happens
type Side int

const (
	Pre  Side = iota // At the front of the sequence
	Post             // At the back of the sequence
)

type Options struct {
	MaxLength  int
	Padding    Side // Where pad ids are added, when the input is short
	Truncating Side // Where ids are dropped, when the input is long
}

// DefaultOptions pad at the back and truncate at the front, so that the most recent
// tokens are always retained.
func DefaultOptions(maxLength int) Options {
	return Options{
		MaxLength:  maxLength,
		Padding:    Post,
		Truncating: Pre,
	}
}

// Encode converts tokens to ids, and pads/truncates them to exactly maxLength.
// If maxLength < 1, we panic.
func Encode(v *vocab.Vocabulary, tokens []string, maxLength int) []int32 {
	return EncodeWith(v, tokens, DefaultOptions(maxLength))
}

// EncodeWith is Encode with control over padding and truncation
func EncodeWith(v *vocab.Vocabulary, tokens []string, opts Options) []int32 {
	ids := make([]int32, len(tokens))
	for i, tok := range tokens {
		ids[i] = v.IDForToken(tok)
	}
	return PadIDs(ids, opts)
}

// PadIDs returns a new slice of exactly opts.MaxLength ids.
// The input slice is never modified.
func PadIDs(ids []int32, opts Options) []int32 {
	if opts.MaxLength < 1 {
		panic(fmt.Sprintf("Sequence length must be at least 1 (got %v)", opts.MaxLength))
	}
	n := opts.MaxLength
	if len(ids) > n {
		if opts.Truncating == Pre {
			ids = ids[len(ids)-n:]
		} else {
			ids = ids[:n]
		}
	}
	out := make([]int32, n) // zero-filled, which is vocab.PadID
	if opts.Padding == Pre {
		copy(out[n-len(ids):], ids)
	} else {
		copy(out, ids)
	}
	return out
}
