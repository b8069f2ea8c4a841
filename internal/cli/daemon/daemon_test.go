package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloo-solutions/cseassist/internal/config"
	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/cloo-solutions/cseassist/internal/openai"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatStream struct {
	deltas []string
}

func (s *fakeChatStream) Recv() (goopenai.ChatCompletionStreamResponse, error) {
	if len(s.deltas) == 0 {
		return goopenai.ChatCompletionStreamResponse{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return goopenai.ChatCompletionStreamResponse{
		Choices: []goopenai.ChatCompletionStreamChoice{{Delta: goopenai.ChatCompletionStreamChoiceDelta{Content: d}}},
	}, nil
}

func (s *fakeChatStream) Close() error { return nil }

type fakeChatAPI struct {
	stream *fakeChatStream
	err    error
}

func (f *fakeChatAPI) CreateChatCompletionStream(ctx context.Context, req goopenai.ChatCompletionRequest) (openai.ChatStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func TestChatGenerator_Streams(t *testing.T) {
	gen := &chatGenerator{client: openai.NewChatClientWithAPI(&fakeChatAPI{stream: &fakeChatStream{deltas: []string{"Bon", "jour"}}}, "")}

	stream, err := gen.Generate(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "Salut"}})
	require.NoError(t, err)

	var got string
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got += frag
	}
	assert.Equal(t, "Bonjour", got)
}

func TestChatGenerator_ErrorIsUntypedNil(t *testing.T) {
	gen := &chatGenerator{client: openai.NewChatClientWithAPI(&fakeChatAPI{err: errors.New("401 Unauthorized")}, "")}

	stream, err := gen.Generate(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "Salut"}})
	require.Error(t, err)
	assert.True(t, domain.IsGenerationError(err))
	assert.True(t, stream == nil)
}

func TestReapInterval(t *testing.T) {
	assert.Equal(t, 30*time.Minute, reapInterval(2*time.Hour))
	assert.Equal(t, time.Minute, reapInterval(90*time.Second))
}

func TestNewProvider(t *testing.T) {
	p := newProvider(&config.Config{EmbeddingProvider: config.EmbeddingProviderHash})
	assert.Equal(t, embedding.DefaultHashDimensions, p.Dimensions())

	p = newProvider(&config.Config{EmbeddingProvider: config.EmbeddingProviderOpenAI, OpenAIAPIKey: "sk-test", EmbeddingDimensions: 256})
	assert.Equal(t, 256, p.Dimensions())
}

func TestNewChunker_RejectsOverlap(t *testing.T) {
	_, err := newChunker(&config.Config{ChunkSize: 300, ChunkOverlap: 200})
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationError(err))

	c, err := newChunker(&config.Config{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)
	assert.Equal(t, 500, c.Config().MinChars)
}

func setIndexEnv(t *testing.T) (sourceDir, indexDir string) {
	t.Helper()
	root := t.TempDir()
	sourceDir = filepath.Join(root, "data")
	indexDir = filepath.Join(root, "faiss_index")
	require.NoError(t, os.MkdirAll(sourceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "accord.txt"), []byte(
		"Article 1. Le comité social et économique se réunit une fois par mois.\n\n"+
			"Article 2. Chaque élu titulaire dispose de vingt heures de délégation par mois."), 0o644))

	t.Setenv("CSE_SOURCE_DIR", sourceDir)
	t.Setenv("CSE_INDEX_DIR", indexDir)
	t.Setenv("CSE_SOURCE_EXTENSIONS", ".txt")
	t.Setenv("CSE_EMBEDDING_PROVIDER", "hash")
	t.Setenv("CSE_EMBEDDING_DIMENSIONS", "64")
	t.Setenv("CSE_DATABASE_URL", "")
	t.Setenv("CSE_S3_ENDPOINT", "")
	return sourceDir, indexDir
}

func runIndex(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := IndexCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIndexCommands_BuildVerifyStatus(t *testing.T) {
	_, indexDir := setIndexEnv(t)

	out, err := runIndex(t, "build", "-o", "json")
	require.NoError(t, err)

	var built IndexSummary
	require.NoError(t, json.Unmarshal([]byte(out), &built))
	assert.Equal(t, indexDir, built.Path)
	assert.Greater(t, built.Chunks, 0)
	assert.Equal(t, 64, built.Dimension)

	out, err = runIndex(t, "verify", "-o", "json")
	require.NoError(t, err)

	var verified IndexSummary
	require.NoError(t, json.Unmarshal([]byte(out), &verified))
	assert.Equal(t, built.Chunks, verified.Chunks)
	assert.Len(t, verified.Checksum, 64)

	out, err = runIndex(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "feature-hash-v1-64")
}

func TestIndexVerify_DetectsTampering(t *testing.T) {
	_, indexDir := setIndexEnv(t)

	_, err := runIndex(t, "build")
	require.NoError(t, err)

	payload := filepath.Join(indexDir, "index.gob")
	data, err := os.ReadFile(payload)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(payload, data, 0o644))

	_, err = runIndex(t, "verify")
	require.Error(t, err)
	assert.True(t, domain.IsCorruptIndexError(err))
}

func TestIndexVerify_ProviderMismatch(t *testing.T) {
	setIndexEnv(t)

	_, err := runIndex(t, "build")
	require.NoError(t, err)

	t.Setenv("CSE_EMBEDDING_DIMENSIONS", "128")
	_, err = runIndex(t, "verify")
	require.Error(t, err)
	assert.True(t, domain.IsCorruptIndexError(err))
}

func TestIndexPublish_NoMirrors(t *testing.T) {
	setIndexEnv(t)

	_, err := runIndex(t, "build")
	require.NoError(t, err)

	_, err = runIndex(t, "publish")
	assert.ErrorIs(t, err, errNoMirrors)
}

func TestIndexBuild_MissingSourceDir(t *testing.T) {
	sourceDir, _ := setIndexEnv(t)
	require.NoError(t, os.RemoveAll(sourceDir))

	_, err := runIndex(t, "build")
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationError(err))
	assert.DirExists(t, sourceDir)
}
