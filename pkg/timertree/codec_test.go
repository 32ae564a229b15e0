package timertree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	root := tree(t, map[string]stats{
		"req":    {Total: 100, Min: 40, Max: 60, Count: 2},
		"req/db": {Total: 30, Min: 30, Max: 30, Count: 1},
	})

	data, err := Encode(root)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, Equal(root, got))
	assert.Equal(t, "db", got.Child("req").Children()[0].Name)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"null", "null"},
		{"truncated", `{"name":"<root>","children":[{"name":"a"`},
		{"not an object", `[1,2]`},
		{"missing name", `{"total":1,"count":1}`},
		{"negative count", `{"name":"a","count":-1}`},
		{"min above max", `{"name":"a","count":1,"min":5,"max":1}`},
		{"duplicate child", `{"name":"r","children":[{"name":"a"},{"name":"a"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.Nil(t, n)
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestNode_JSONMarshalers(t *testing.T) {
	root := NewSyntheticRoot()
	root.ChildOrCreate("a").RecordDuration(5)

	data, err := json.Marshal(root)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"<root>","total":0,"min":0,"max":0,"count":0,
		"children":[{"name":"a","total":5,"min":5,"max":5,"count":1}]}`, string(data))

	var back Node
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(root, &back))
}
