package onnx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocab() map[string]int64 {
	toks := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "fire", "in", "the", "building", "!", "help", "burn", "##ing", "cafe", ","}
	v := make(map[string]int64, len(toks))
	for i, t := range toks {
		v[t] = int64(i)
	}
	return v
}

func TestWordPieceEncode(t *testing.T) {
	tok, err := NewWordPiece(testVocab())
	require.NoError(t, err)

	ids, attn := tok.Encode("FIRE in the building! Help, burning café", 16)
	require.Len(t, ids, 16)
	require.Len(t, attn, 16)
	want := []int64{2, 4, 5, 6, 7, 8, 9, 13, 10, 11, 12, 3}
	assert.Equal(t, want, ids[:len(want)])
	for i := range ids {
		if i < len(want) {
			assert.Equal(t, int64(1), attn[i])
		} else {
			assert.Equal(t, int64(0), ids[i])
			assert.Equal(t, int64(0), attn[i])
		}
	}
}

func TestWordPieceUnknownAndTruncation(t *testing.T) {
	tok, err := NewWordPiece(testVocab())
	require.NoError(t, err)

	ids, _ := tok.Encode("xyz", 8)
	assert.Equal(t, []int64{2, 1, 3, 0, 0, 0, 0, 0}, ids)

	ids, attn := tok.Encode("fire fire fire fire fire fire", 5)
	assert.Equal(t, []int64{2, 4, 4, 4, 3}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 1}, attn)

	ids, attn = tok.Encode("anything", 1)
	assert.Nil(t, ids)
	assert.Nil(t, attn)
}

func TestNewWordPieceRequiresSpecials(t *testing.T) {
	_, err := NewWordPiece(map[string]int64{"[CLS]": 0})
	assert.Error(t, err)
}

func TestLoadWordPieceFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tokenizer"), 0o755))
	vocab := "[PAD]\n[UNK]\n[CLS]\n[SEP]\nsmoke\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer", "vocab.txt"), []byte(vocab), 0o644))

	tok, err := FindWordPiece(dir)
	require.NoError(t, err)
	ids, _ := tok.Encode("smoke", 4)
	assert.Equal(t, []int64{2, 4, 3, 0}, ids)
}

func TestLoadLabelsShapes(t *testing.T) {
	cases := map[string]string{
		"list":   `["NEGATIVE","POSITIVE"]`,
		"flat":   `{"1":"POSITIVE","0":"NEGATIVE"}`,
		"keras":  `{"0":["n0","NEGATIVE"],"1":["n1","POSITIVE"]}`,
		"config": `{"architectures":["X"],"id2label":{"0":"NEGATIVE","1":"POSITIVE"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "labels.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			labels, err := LoadLabels(path)
			require.NoError(t, err)
			assert.Equal(t, []string{"NEGATIVE", "POSITIVE"}, labels)
		})
	}
}

func TestLoadLabelsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"x":"y"}`), 0o644))
	_, err := LoadLabels(path)
	assert.Error(t, err)

	_, err = FindLabels(t.TempDir())
	assert.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float32{1, 1})
	assert.InDelta(t, 0.5, p[0], 1e-9)
	assert.InDelta(t, 0.5, p[1], 1e-9)

	p = Softmax([]float32{1000, 0})
	assert.InDelta(t, 1.0, p[0], 1e-9)

	assert.Nil(t, Softmax(nil))
	assert.True(t, LooksLikeProbabilities([]float32{0.25, 0.75}))
	assert.False(t, LooksLikeProbabilities([]float32{2.5, -1}))
}

func TestShapeFillsDynamicDims(t *testing.T) {
	assert.Equal(t, []int64{1, 224, 224, 3}, []int64(Shape([]int64{-1, 224, 224, 3})))
	assert.Equal(t, []int64{1, 128}, []int64(Shape([]int64{-1, -1}, 1, 128)))
}

func TestPool(t *testing.T) {
	destroyed := 0
	p, err := NewPool(2, func(i int) (int, error) { return i, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Size())

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(a)
	p.Close(func(int) { destroyed++ })
	assert.Equal(t, 1, destroyed)
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolBuildFailureDestroysBuilt(t *testing.T) {
	var destroyed []int
	_, err := NewPool(3, func(i int) (int, error) {
		if i == 2 {
			return 0, errors.New("no memory")
		}
		return i, nil
	}, func(v int) { destroyed = append(destroyed, v) })
	require.Error(t, err)
	assert.ElementsMatch(t, []int{0, 1}, destroyed)
}

func TestInitLibraryEnvOverride(t *testing.T) {
	t.Setenv(LibraryEnv, "/nonexistent/libonnxruntime.so")
	assert.Equal(t, "/nonexistent/libonnxruntime.so", resolveSharedLibraryPath())
}
