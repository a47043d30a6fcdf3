package shachain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// generateVectors are the BOLT-03 Appendix D generation tests. The index is
// the raw shachain index, which we convert back to a commitment number.
var generateVectors = []struct {
	name   string
	seed   string
	index  uint64
	output string
}{
	{
		name: "generate_from_seed 0 final node",
		seed: "0000000000000000000000000000000000000000000000000000" +
			"000000000000",
		index: 0xffffffffffff,
		output: "02a40c85b6f28da08dfdbe0926c53fab2de6d28c10301f8f7c" +
			"4073d5e42e3148",
	},
	{
		name: "generate_from_seed FF final node",
		seed: "ffffffffffffffffffffffffffffffffffffffffffffffffffff" +
			"ffffffffffff",
		index: 0xffffffffffff,
		output: "7cc854b54e3e0dcdb010d7a3fee464a9687be6e8db3be6854c" +
			"475621e007a5dc",
	},
	{
		name: "generate_from_seed FF alternate bits 1",
		seed: "ffffffffffffffffffffffffffffffffffffffffffffffffffff" +
			"ffffffffffff",
		index: 0xaaaaaaaaaaa,
		output: "56f4008fb007ca9acf0e15b054d5c9fd12ee06cea347914ddb" +
			"aed70d1c13a528",
	},
	{
		name: "generate_from_seed FF alternate bits 2",
		seed: "ffffffffffffffffffffffffffffffffffffffffffffffffffff" +
			"ffffffffffff",
		index: 0x555555555555,
		output: "9015daaeb06dba4ccc05b91b2f73bd54405f2be9f217fbacd3" +
			"c5ac2e62327d31",
	},
	{
		name: "generate_from_seed 01 last nontrivial node",
		seed: "0101010101010101010101010101010101010101010101010101" +
			"010101010101",
		index: 1,
		output: "915c75942a26bb3a433a8ce2cb0427c29ec6c1775cfc78328b" +
			"57f6ba7bfeaa9c",
	},
}

// TestProducerVectors checks the producer against the BOLT-03 generation
// vectors.
func TestProducerVectors(t *testing.T) {
	t.Parallel()

	for _, test := range generateVectors {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			seed, err := hashFromString(test.seed)
			require.NoError(t, err)

			producer := NewRevocationProducer(*seed)
			commitNum := uint64(startIndex) - test.index

			secret, err := producer.AtIndex(commitNum)
			require.NoError(t, err)

			want, err := hashFromString(test.output)
			require.NoError(t, err)
			require.Equal(t, want, secret)
		})
	}
}

// TestProducerEncodeRoundTrip checks that a decoded producer yields the same
// secrets as the original.
func TestProducerEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var seed chainhash.Hash
		copy(seed[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "seed"))
		n := rapid.Uint64Range(0, 1<<40).Draw(t, "n")

		producer := NewRevocationProducer(seed)

		var b bytes.Buffer
		require.NoError(t, producer.Encode(&b))

		decoded, err := NewRevocationProducerFromBytes(b.Bytes())
		require.NoError(t, err)

		want, err := producer.AtIndex(n)
		require.NoError(t, err)
		got, err := decoded.AtIndex(n)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})
}
