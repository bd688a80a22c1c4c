package embedding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/locimem/loci/internal/models"
)

// maxSeqLen is the sequence length all-MiniLM-L6-v2 was trained at. Longer
// inputs are truncated.
const maxSeqLen = 256

// cacheEntries bounds the embedding cache; entries are ~1.5 kB each.
const cacheEntries = 4096

var ortInit sync.Once

func initRuntime() error {
	var initErr error
	ortInit.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return fmt.Errorf("%w: initialize onnxruntime: %v", models.ErrModelUnavailable, initErr)
	}
	return nil
}

// Local runs all-MiniLM-L6-v2 through ONNX Runtime. The session is not
// thread-safe; a mutex serializes callers. Repeated embeddings of identical
// content are served from a ristretto cache.
type Local struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPieceTokenizer
	cache     *ristretto.Cache
}

// Artefact file names inside the cache directory.
const (
	ModelFile     = "model.onnx"
	TokenizerFile = "tokenizer.json"
)

// NewLocal loads the model and tokenizer from cacheDir. Missing artefacts
// yield models.ErrModelUnavailable; run `loci model download` to fetch them.
func NewLocal(cacheDir string) (*Local, error) {
	modelPath := filepath.Join(cacheDir, ModelFile)
	tokenizerPath := filepath.Join(cacheDir, TokenizerFile)

	for _, p := range []string{modelPath, tokenizerPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s missing; run `loci model download`", models.ErrModelUnavailable, p)
		}
	}

	if err := initRuntime(); err != nil {
		return nil, err
	}

	tokenizer, err := loadTokenizer(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load onnx model: %v", models.ErrModelUnavailable, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheEntries * 10,
		MaxCost:     cacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	log.Info().Str("model", modelPath).Msg("embedding model loaded")
	return &Local{session: session, tokenizer: tokenizer, cache: cache}, nil
}

// Dimensions returns the model's output size.
func (l *Local) Dimensions() int {
	return models.EmbeddingDim
}

// Embed converts one text into a unit-length 384-dim vector.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := l.cache.Get(text); ok {
		if v, ok := cached.([]float32); ok {
			return v, nil
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.run(text)
	if err != nil {
		return nil, err
	}
	l.cache.Set(text, v, 1)
	return v, nil
}

// EmbedBatch embeds several texts under a single session lock.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cached, ok := l.cache.Get(text); ok {
			if v, ok := cached.([]float32); ok {
				out = append(out, v)
				continue
			}
		}
		v, err := l.run(text)
		if err != nil {
			return nil, err
		}
		l.cache.Set(text, v, 1)
		out = append(out, v)
	}
	return out, nil
}

// run tokenizes, infers, mean-pools over the attention mask, and normalizes.
// Caller holds l.mu.
func (l *Local) run(text string) ([]float32, error) {
	tokens := l.tokenizer.tokenize(text)
	if len(tokens) > maxSeqLen-2 {
		tokens = tokens[:maxSeqLen-2]
	}

	// [CLS] tokens... [SEP]; the sequence is sized to the input, not padded.
	seqLen := len(tokens) + 2
	inputIDs := make([]int64, seqLen)
	attentionMask := make([]int64, seqLen)
	tokenTypeIDs := make([]int64, seqLen)

	inputIDs[0] = l.tokenizer.clsToken
	attentionMask[0] = 1
	for i, id := range tokens {
		inputIDs[i+1] = id
		attentionMask[i+1] = 1
	}
	inputIDs[seqLen-1] = l.tokenizer.sepToken
	attentionMask[seqLen-1] = 1

	shape := ort.NewShape(1, int64(seqLen))
	inputIDsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionTensor.Destroy()

	tokenTypeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer tokenTypeTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := l.session.Run(
		[]ort.Value{inputIDsTensor, attentionTensor, tokenTypeTensor},
		outputs,
	); err != nil {
		return nil, fmt.Errorf("%w: inference: %v", models.ErrModelUnavailable, err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}

	data := tensor.GetData()
	dims := tensor.GetShape()
	if len(dims) != 3 || dims[2] != int64(models.EmbeddingDim) {
		return nil, fmt.Errorf("unexpected output shape %v, want [1, seq, %d]", dims, models.EmbeddingDim)
	}

	// Mean pool token embeddings weighted by the attention mask.
	outSeqLen := int(dims[1])
	hidden := int(dims[2])
	pooled := make([]float32, hidden)
	var attended float32
	for s := 0; s < outSeqLen && s < seqLen; s++ {
		if attentionMask[s] == 0 {
			continue
		}
		offset := s * hidden
		for d := 0; d < hidden; d++ {
			pooled[d] += data[offset+d]
		}
		attended++
	}
	if attended > 0 {
		for d := range pooled {
			pooled[d] /= attended
		}
	}

	return L2Normalize(pooled), nil
}

// Close releases the ONNX session and cache.
func (l *Local) Close() error {
	l.cache.Close()
	if l.session != nil {
		return l.session.Destroy()
	}
	return nil
}
