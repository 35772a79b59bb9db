package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarRoundTrip(t *testing.T) {
	vt := NewValueTable()
	cases := []interface{}{
		nil, true, false, "hello world", float64(42), float64(-3.5),
		"90210", "42.5", "-7",
	}
	for _, c := range cases {
		enc, err := encodeScalar(c, vt)
		require.NoError(t, err)
		dec, err := decodeScalar(enc, vt)
		require.NoError(t, err)
		assert.Equal(t, c, dec)
	}
}

func TestPackageUnpackageRoundTrip(t *testing.T) {
	s := New()
	s.BindScope("$mytopic", NewKeyTable("$mytopic", 0, 285))
	s.BindScope("a1", NewKeyTable("a1", 0, 285))

	doc := map[string]interface{}{
		"data": map[string]interface{}{
			"x":   "short",
			"y":   float64(7),
			"zip": "90210",
		},
		"metadata": map[string]interface{}{
			"jid": "job-123",
		},
		"_searchable": "visible",
		"-evt":        "marker",
	}

	flat, err := s.Package(doc, []string{"$mytopic"})
	require.NoError(t, err)
	assert.NotEmpty(t, flat)

	back, err := s.Unpackage(flat, []string{"$mytopic"})
	require.NoError(t, err)

	data := back["data"].(map[string]interface{})
	assert.Equal(t, "short", data["x"])
	assert.Equal(t, float64(7), data["y"])
	assert.Equal(t, "90210", data["zip"], "a numeric-looking string must not round-trip as a number")
	assert.Equal(t, "visible", back["_searchable"])
	assert.Equal(t, "marker", back["-evt"])
}

func TestValueTableFilterSymVals(t *testing.T) {
	vt := NewValueTable()
	added, err := vt.FilterSymVals(ValueCapacity, []string{"literal1", "literal2", "literal1"})
	require.NoError(t, err)
	assert.Len(t, added, 2)
	assert.Equal(t, 2, vt.Size())

	added2, err := vt.FilterSymVals(ValueCapacity, []string{"literal1", "literal3"})
	require.NoError(t, err)
	assert.Len(t, added2, 1)
	assert.Equal(t, 3, vt.Size())
}

func TestKeyTableRangeExhausted(t *testing.T) {
	kt := NewKeyTable("scope", 0, 0)
	_, err := kt.Token("p1")
	require.NoError(t, err)
	_, err = kt.Token("p2")
	assert.Error(t, err)
}
