package embedding

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"magray/internal/memory"
)

// Backend selection modes.
const (
	ModeCPU         = "cpu"
	ModeAccelerator = "accelerator"
	ModeAuto        = "auto"
)

// ONNXConfig locates an ONNX sentence-encoder model.
type ONNXConfig struct {
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	LibraryPath   string `yaml:"library_path"` // onnxruntime shared library
	Dimensions    int    `yaml:"-"`
	MaxSeqLen     int    `yaml:"max_seq_len"`
	DeviceID      int    `yaml:"device_id"`
	Accelerator   bool   `yaml:"-"`
}

func (c ONNXConfig) withDefaults() ONNXConfig {
	if c.MaxSeqLen <= 0 {
		c.MaxSeqLen = 128
	}
	return c
}

// SelectConfig drives Select.
type SelectConfig struct {
	Mode       string
	Dimensions int
	ONNX       ONNXConfig
}

// Select picks the primary and fallback backends once, at startup.
//
//   - cpu: the ONNX model on the CPU provider when a model is configured,
//     otherwise the hash backend. No fallback.
//   - accelerator: the ONNX model on CUDA, falling back to the same model on
//     the CPU provider. An unavailable accelerator is a fatal error.
//   - auto: accelerator when available, cpu otherwise.
//
// The fallback always shares the primary's model so both produce vectors in
// the same space.
func Select(cfg SelectConfig, logger *zap.Logger) (primary, fallback Backend, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("embedding")
	onnx := cfg.ONNX
	onnx.Dimensions = cfg.Dimensions

	switch cfg.Mode {
	case ModeCPU, "":
		primary, err = cpuBackend(cfg, onnx)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Embedding backend selected", zap.String("primary", primary.Name()))
		return primary, nil, nil

	case ModeAccelerator, ModeAuto:
		if onnx.ModelPath == "" {
			if cfg.Mode == ModeAccelerator {
				return nil, nil, memory.Wrap("embedding.select", memory.KindFatal,
					fmt.Errorf("%w: accelerator mode needs a model path", memory.ErrInvalidConfig))
			}
			primary = NewHashBackend(cfg.Dimensions)
			logger.Info("Embedding backend selected", zap.String("primary", primary.Name()))
			return primary, nil, nil
		}

		gpu := onnx
		gpu.Accelerator = true
		primary, err = NewONNXBackend(gpu)
		if err != nil {
			if cfg.Mode == ModeAccelerator || !errors.Is(err, ErrAcceleratorUnavailable) {
				return nil, nil, memory.Wrap("embedding.select", memory.KindFatal, err)
			}
			logger.Info("Accelerator unavailable, using CPU", zap.Error(err))
			primary, err = cpuBackend(cfg, onnx)
			if err != nil {
				return nil, nil, err
			}
			logger.Info("Embedding backend selected", zap.String("primary", primary.Name()))
			return primary, nil, nil
		}

		fallback, err = NewONNXBackend(onnx)
		if err != nil {
			logger.Warn("CPU fallback unavailable", zap.Error(err))
			fallback = nil
		}
		fields := []zap.Field{zap.String("primary", primary.Name())}
		if fallback != nil {
			fields = append(fields, zap.String("fallback", fallback.Name()))
		}
		logger.Info("Embedding backend selected", fields...)
		return primary, fallback, nil
	}
	return nil, nil, memory.Wrap("embedding.select", memory.KindFatal,
		fmt.Errorf("%w: unknown embedding mode %q", memory.ErrInvalidConfig, cfg.Mode))
}

func cpuBackend(cfg SelectConfig, onnx ONNXConfig) (Backend, error) {
	if onnx.ModelPath == "" {
		return NewHashBackend(cfg.Dimensions), nil
	}
	b, err := NewONNXBackend(onnx)
	if err != nil {
		return nil, memory.Wrap("embedding.select", memory.KindFatal, err)
	}
	return b, nil
}
