//go:build !onnx

package embedding

// NewONNXBackend is unavailable without the onnx build tag.
func NewONNXBackend(cfg ONNXConfig) (Backend, error) {
	if cfg.Accelerator {
		return nil, ErrAcceleratorUnavailable
	}
	return nil, ErrONNXUnavailable
}
