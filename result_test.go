package taskflow

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPurgedIdentity(t *testing.T) {
	other := PurgedResult()
	require.True(t, PurgedResult().Equal(PurgedResult()))
	require.True(t, PurgedResult().Equal(other))
	require.Equal(t, PurgedResult(), other)
	require.Nil(t, PurgedResult().Value())
	require.True(t, PurgedResult().IsPurged())
	require.False(t, PurgedResult().IsSet())

	// A purged slot only ever holds the singleton, whatever it held before.
	state := Succeeded([]int{1, 2}, "")
	state.purge()
	require.Equal(t, PurgedResult(), state.Result)
	require.True(t, state.Result.Equal(PurgedResult()))

	// Overwriting a caller's copy leaves the marker intact.
	other = NewResult(42)
	require.False(t, other.IsPurged())
	state = Succeeded(7, "")
	state.purge()
	require.True(t, state.Result.IsPurged())
	require.Nil(t, state.Result.Value())
	require.True(t, PurgedResult().IsPurged())
}

func TestResultEquality(t *testing.T) {
	require.True(t, NewResult(nil).Equal(NewResult(nil)))
	require.False(t, NewResult(nil).Equal(PurgedResult()))
	require.False(t, NewResult(nil).Equal(Result{}))
	require.True(t, NewResult(map[string]any{"a": 1}).Equal(NewResult(map[string]any{"a": 1})))
	require.False(t, NewResult(1).Equal(NewResult(2)))
	require.False(t, PurgedResult().Equal(NewResult(nil)))
	require.True(t, Result{}.Equal(Result{}))
}

func TestResultFormatting(t *testing.T) {
	require.Equal(t, "PurgedResult", PurgedResult().String())
	require.Equal(t, "<Purged result>", fmt.Sprintf("%#v", PurgedResult()))
	require.Equal(t, "42", NewResult(42).String())
	require.Equal(t, "<unset>", Result{}.String())

	data, err := json.Marshal(map[string]Result{"a": PurgedResult(), "b": NewResult([]int{1}), "c": {}})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{"purged":true},"b":[1],"c":null}`, string(data))
}
