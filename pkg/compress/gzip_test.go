package compress_test

import (
	"bytes"
	"testing"

	"github.com/absmach/shuffler/pkg/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")

		packed, err := compress.Compress(data)
		if err != nil {
			t.Fatalf("compress: %v", err)
		}
		out, err := compress.Uncompress(packed)
		if err != nil {
			t.Fatalf("uncompress: %v", err)
		}
		if !bytes.Equal(data, out) {
			t.Fatalf("round trip mismatch: %x != %x", data, out)
		}
	})
}

func TestUncompressMalformed(t *testing.T) {
	valid, err := compress.Compress([]byte("federated"))
	require.NoError(t, err)

	cases := []struct {
		desc string
		data []byte
	}{
		{desc: "empty input", data: nil},
		{desc: "plain text", data: []byte("not gzip at all")},
		{desc: "truncated stream", data: valid[:len(valid)-6]},
		{desc: "json envelope", data: []byte(`{"keyId":"k"}`)},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := compress.Uncompress(tc.data)
			assert.ErrorIs(t, err, compress.ErrMalformedInput)
		})
	}
}
