package tabular

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func sampleTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(
		[]string{"name", "count", "ratio", "ok", "note"},
		[][]any{
			{"alpha", 1, 0.5, true, nil},
			{"beta", int32(2), 3.0, false, "x,y"},
			{"gamma", uint8(3), float32(1.25), true, "line\nbreak"},
		},
	)
	require.NoError(t, err)
	return table
}

func TestNewTableNormalizesCells(t *testing.T) {
	table := sampleTable(t)
	require.Equal(t, []any{"beta", int64(2), 3.0, false, "x,y"}, table.Rows[1])
	require.Equal(t, []any{"gamma", int64(3), 1.25, true, "line\nbreak"}, table.Rows[2])
}

func TestNewTableErrors(t *testing.T) {
	_, err := NewTable([]string{"a", "a"}, nil)
	require.ErrorContains(t, err, "duplicate column")

	_, err = NewTable([]string{"a", "b"}, [][]any{{1}})
	require.ErrorContains(t, err, "row 0 has 1 cells")

	_, err = NewTable([]string{"a"}, [][]any{{struct{}{}}})
	require.ErrorContains(t, err, "unsupported cell type")

	_, err = NewTable([]string{"a"}, [][]any{{uint64(math.MaxUint64)}})
	require.ErrorContains(t, err, "overflows")
}

func TestRecords(t *testing.T) {
	table, err := FromRecords([]map[string]any{
		{"b": 1, "a": "x"},
		{"a": "y", "c": true},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, table.Columns)
	require.Equal(t, [][]any{{"x", int64(1), nil}, {"y", nil, true}}, table.Rows)

	records := table.Records()
	require.Len(t, records, 2)
	require.Equal(t, map[string]any{"a": "x", "b": int64(1), "c": nil}, records[0])

	values, ok := table.Column("a")
	require.True(t, ok)
	require.Equal(t, []any{"x", "y"}, values)
	_, ok = table.Column("missing")
	require.False(t, ok)
}

func TestCodecRoundTrip(t *testing.T) {
	for _, ext := range []string{"csv", "json", "yaml", "yml", "msgpack"} {
		t.Run(ext, func(t *testing.T) {
			table := sampleTable(t)
			data, err := Marshal(ext, table)
			require.NoError(t, err)

			decoded, err := Unmarshal(ext, data)
			require.NoError(t, err)
			if diff := cmp.Diff(table, decoded); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
			require.True(t, table.Equal(decoded))
		})
	}
}

func TestCodecRoundTripEmpty(t *testing.T) {
	for _, ext := range []string{"json", "yaml", "msgpack"} {
		t.Run(ext, func(t *testing.T) {
			table := MustTable([]string{"a", "b"}, nil)
			data, err := Marshal(ext, table)
			require.NoError(t, err)
			decoded, err := Unmarshal(ext, data)
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, decoded.Columns)
			require.Equal(t, 0, decoded.Len())
		})
	}
}

func TestCodecFor(t *testing.T) {
	codec, err := CodecFor(".CsV")
	require.NoError(t, err)
	require.Equal(t, "csv", codec.Format())

	codec, err = CodecFor("YML")
	require.NoError(t, err)
	require.Equal(t, "yaml", codec.Format())

	_, err = CodecFor("parquet")
	require.ErrorContains(t, err, "unsupported table format")
}

func TestCSVFieldInference(t *testing.T) {
	table, err := Unmarshal("csv", []byte("a,b,c,d,e\n1,2.5,true,hello,\n-3,1e3,false,NaN-ish,\n"))
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{int64(1), 2.5, true, "hello", nil},
		{int64(-3), 1000.0, false, "NaN-ish", nil},
	}, table.Rows)
}

func TestJSONKeepsIntegralFloats(t *testing.T) {
	table := MustTable([]string{"f"}, [][]any{{2.0}})
	data, err := Marshal("json", table)
	require.NoError(t, err)
	require.Contains(t, string(data), "2.0")

	var raw map[string]any
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&raw))
	require.Equal(t, []any{"f"}, raw["columns"])

	decoded, err := Unmarshal("json", data)
	require.NoError(t, err)
	require.Equal(t, 2.0, decoded.Rows[0][0])
}

func TestJSONRejectsNaN(t *testing.T) {
	table := MustTable([]string{"f"}, [][]any{{math.NaN()}})
	_, err := Marshal("json", table)
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := MustTable([]string{"x"}, [][]any{{1}})
	b := MustTable([]string{"x"}, [][]any{{int64(1)}})
	c := MustTable([]string{"x"}, [][]any{{1.0}})
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(nil))
	var nilTable *Table
	require.True(t, nilTable.Equal(nil))
}
