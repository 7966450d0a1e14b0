package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValue_UnmarshalJSONKinds(t *testing.T) {
	var md Metadata
	err := json.Unmarshal([]byte(`{"port":8080,"ratio":0.5,"model":"gpt","tls":true,"tags":["a","b"],"gone":null}`), &md)
	require.NoError(t, err)

	require.Equal(t, KindInt, md["port"].Kind())
	port, _ := md["port"].Int64()
	require.Equal(t, int64(8080), port)
	require.Equal(t, KindFloat, md["ratio"].Kind())
	require.Equal(t, "gpt", md.GetString("model"))
	require.Equal(t, KindBool, md["tls"].Kind())
	tags, ok := md["tags"].Strings()
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, tags)
	require.Equal(t, KindNull, md["gone"].Kind())
}

func TestValue_RejectsNestedObjects(t *testing.T) {
	var md Metadata
	err := json.Unmarshal([]byte(`{"nested":{"a":1}}`), &md)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMetadata_MergeNullDeletes(t *testing.T) {
	base := Metadata{"a": String("1"), "b": Int(2)}
	out := base.Merge(Metadata{"a": {}, "c": Bool(true)})

	require.Equal(t, Metadata{"b": Int(2), "c": Bool(true)}, out)
	require.Len(t, base, 2, "merge must not mutate the receiver")
}

func TestMetadataFrom_YAMLStyleValues(t *testing.T) {
	md, err := MetadataFrom(map[string]any{"port": 9000, "weight": 1.5, "zones": []any{"x", "y"}})
	require.NoError(t, err)
	require.True(t, md.Equal(Metadata{"port": Int(9000), "weight": Float(1.5), "zones": List("x", "y")}))

	_, err = MetadataFrom(map[string]any{"zones": []any{1, 2}})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestValue_Text(t *testing.T) {
	require.Equal(t, "42", Int(42).Text())
	require.Equal(t, "a b", List("a", "b").Text())
	require.Equal(t, "true", Bool(true).Text())
}
