package hub

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTensorNameToScopeAndName(t *testing.T) {
	testCases := []struct {
		name string
		want []string
	}{
		{"embeddings.word_embeddings.weight", []string{"embeddings", "word_embeddings"}},
		{"embeddings.position_embeddings.weight", []string{"embeddings", "position_embeddings"}},
		{"embeddings.token_type_embeddings.weight", []string{"embeddings", "token_type_embeddings"}},
		{"embeddings.LayerNorm.weight", []string{"embeddings", "norm", "scale"}},
		{"embeddings.LayerNorm.bias", []string{"embeddings", "norm", "offset"}},
		{"encoder.layer.0.attention.self.query.weight", []string{"layer_0", "attn", "query", "w"}},
		{"encoder.layer.11.attention.self.value.bias", []string{"layer_11", "attn", "value", "b"}},
		{"encoder.layer.3.attention.output.dense.weight", []string{"layer_3", "attn", "output", "dense", "w"}},
		{"encoder.layer.3.attention.output.LayerNorm.bias", []string{"layer_3", "attn", "output", "norm", "offset"}},
		{"encoder.layer.7.intermediate.dense.weight", []string{"layer_7", "ffn", "intermediate", "w"}},
		{"encoder.layer.7.output.dense.bias", []string{"layer_7", "ffn", "output", "b"}},
		{"encoder.layer.7.output.LayerNorm.weight", []string{"layer_7", "ffn", "norm", "scale"}},
		{"roberta.encoder.layer.0.attention.self.key.weight", []string{"layer_0", "attn", "key", "w"}},
		// Not part of the sentence encoder.
		{"pooler.dense.weight", nil},
		{"pooler.dense.bias", nil},
		{"encoder.layer.x.attention.self.query.weight", nil},
	}
	for _, testCase := range testCases {
		require.Equalf(t, testCase.want, TensorNameToScopeAndName(testCase.name), "tensor %q", testCase.name)
	}
}

func TestWriteGitIgnore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	require.NoError(t, WriteGitIgnore(dir))
	content, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	require.Equal(t, "step_*\nepoch_*\n", string(content))

	// A hand-edited .gitignore is not overwritten.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("custom\n"), 0666))
	require.NoError(t, WriteGitIgnore(dir))
	content, err = os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	require.Equal(t, "custom\n", string(content))
}

func TestPushDirectorySkipsCheckpoints(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "adapter_weights.msgpack"), []byte("weights"), 0666))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("step_*\n"), 0666))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "step_500"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "step_500", "adapter_weights.msgpack"), []byte("old"), 0666))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "epoch_1"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "epoch_1", "adapter_weights.msgpack"), []byte("old"), 0666))

	var lines []commitLine
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		decoder := json.NewDecoder(r.Body)
		for {
			var line commitLine
			if err := decoder.Decode(&line); err != nil {
				break
			}
			lines = append(lines, line)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	uploader := &Uploader{RepoID: "someone/model", AuthToken: "token", Client: server.Client()}
	url := server.URL + "/models/someone/model/commit/main"
	require.NoError(t, uploader.pushTo(url, dir, "End of training"))

	require.Len(t, lines, 2)
	require.Equal(t, "header", lines[0].Key)
	require.Equal(t, "End of training", lines[0].Value["summary"])
	require.Equal(t, "file", lines[1].Key)
	require.Equal(t, "adapter_weights.msgpack", lines[1].Value["path"])
	decoded, err := base64.StdEncoding.DecodeString(lines[1].Value["content"].(string))
	require.NoError(t, err)
	require.Equal(t, "weights", string(decoded))
}

func TestIgnoredDir(t *testing.T) {
	require.True(t, ignoredDir("step_500"))
	require.True(t, ignoredDir("epoch_3"))
	require.True(t, ignoredDir("train.docstore"))
	require.False(t, ignoredDir("assets"))
	require.False(t, ignoredDir("final"))
}
