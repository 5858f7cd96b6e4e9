//go:build onnx

package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"magray/internal/vecmath"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXBackend runs a BERT-style sentence encoder through ONNX Runtime,
// either on the CPU execution provider or on CUDA.
type ONNXBackend struct {
	cfg       ONNXConfig
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPiece
	device    Device

	mu sync.Mutex // sessions are not re-entrant
}

// NewONNXBackend loads the model. With cfg.Accelerator set the session is
// bound to CUDA and any failure to do so reports ErrAcceleratorUnavailable.
func NewONNXBackend(cfg ONNXConfig) (Backend, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embedding: onnx model path is required")
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("embedding: init onnx runtime: %w", err)
	}
	tok, err := loadWordPiece(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("embedding: load tokenizer: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("embedding: session options: %w", err)
	}
	defer opts.Destroy()

	device := DeviceCPU
	if cfg.Accelerator {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)
		}
		device = DeviceAccelerator
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		opts)
	if err != nil {
		if cfg.Accelerator {
			return nil, fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)
		}
		return nil, fmt.Errorf("embedding: create onnx session: %w", err)
	}
	return &ONNXBackend{cfg: cfg, session: session, tokenizer: tok, device: device}, nil
}

func (o *ONNXBackend) Name() string {
	return "onnx-" + string(o.device)
}

func (o *ONNXBackend) Device() Device  { return o.device }
func (o *ONNXBackend) Dimensions() int { return o.cfg.Dimensions }

// Embed runs one batched inference and mean-pools the hidden states over
// attended tokens.
func (o *ONNXBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, seq := len(texts), o.cfg.MaxSeqLen
	ids := make([]int64, batch*seq)
	mask := make([]int64, batch*seq)
	types := make([]int64, batch*seq)
	for b, text := range texts {
		row := o.tokenizer.encode(text, seq)
		for i, id := range row {
			ids[b*seq+i] = id
			mask[b*seq+i] = 1
		}
	}

	shape := ort.NewShape(int64(batch), int64(seq))
	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typesT.Destroy()

	outputs := []ort.Value{nil}
	o.mu.Lock()
	err = o.session.Run([]ort.Value{idsT, maskT, typesT}, outputs)
	o.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	data, outShape := hidden.GetData(), hidden.GetShape()
	if len(outShape) != 3 || outShape[0] != int64(batch) || outShape[2] != int64(o.cfg.Dimensions) {
		return nil, fmt.Errorf("unexpected output shape %v", outShape)
	}
	outSeq, dims := int(outShape[1]), int(outShape[2])

	out := make([][]float32, batch)
	for b := range texts {
		vec := make([]float32, dims)
		var attended float32
		for i := 0; i < outSeq && i < seq; i++ {
			if mask[b*seq+i] == 0 {
				continue
			}
			attended++
			off := (b*outSeq + i) * dims
			for j := 0; j < dims; j++ {
				vec[j] += data[off+j]
			}
		}
		if attended > 0 {
			for j := range vec {
				vec[j] /= attended
			}
		}
		out[b] = vecmath.Normalize(vec)
	}
	return out, nil
}

// Close releases the session.
func (o *ONNXBackend) Close() error {
	if o.session == nil {
		return nil
	}
	return o.session.Destroy()
}

// wordPiece is a minimal BERT WordPiece tokenizer driven by tokenizer.json.
type wordPiece struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

func loadWordPiece(path string) (*wordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	wp := &wordPiece{vocab: doc.Model.Vocab, cls: 101, sep: 102, unk: 100}
	for tok, dst := range map[string]*int64{"[CLS]": &wp.cls, "[SEP]": &wp.sep, "[UNK]": &wp.unk} {
		if id, ok := wp.vocab[tok]; ok {
			*dst = id
		}
	}
	return wp, nil
}

// encode returns [CLS] tokens... [SEP], truncated to maxLen.
func (w *wordPiece) encode(text string, maxLen int) []int64 {
	out := []int64{w.cls}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		for _, piece := range w.pieces(word) {
			if len(out) == maxLen-1 {
				return append(out, w.sep)
			}
			out = append(out, piece)
		}
	}
	return append(out, w.sep)
}

func (w *wordPiece) pieces(word string) []int64 {
	if word == "" {
		return nil
	}
	if id, ok := w.vocab[word]; ok {
		return []int64{id}
	}
	var out []int64
	for start := 0; start < len(word); {
		end := len(word)
		for ; end > start; end-- {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := w.vocab[sub]; ok {
				out = append(out, id)
				break
			}
		}
		if end == start {
			return []int64{w.unk}
		}
		start = end
	}
	return out
}
