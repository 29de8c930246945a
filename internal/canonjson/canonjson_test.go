package canonjson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndDropsWhitespace(t *testing.T) {
	type doc struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	out, err := Marshal(doc{Zeta: "z", Alpha: 1})
	require.NoError(t, err)
	require.Equal(t, `{"alpha":1,"zeta":"z"}`, string(out))
}

func TestMarshalDeterministicAcrossKeyOrder(t *testing.T) {
	a, err := Marshal(map[string]interface{}{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]interface{}{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDigestMatchesDigestBytesOfMarshal(t *testing.T) {
	v := map[string]interface{}{"x": 1}
	sum, err := Digest(v)
	require.NoError(t, err)

	canon, err := Marshal(v)
	require.NoError(t, err)
	sum2, canon2, err := DigestBytes(canon)
	require.NoError(t, err)
	require.Equal(t, sum, sum2)
	require.Equal(t, canon, canon2)
}

func TestDigestBytesRejectsInvalidJSON(t *testing.T) {
	_, _, err := DigestBytes([]byte("{not json"))
	require.Error(t, err)
}
