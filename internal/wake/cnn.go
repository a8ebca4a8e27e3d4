package wake

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/satriahrh/drivebrief/domain"
)

// Model scores a normalized log-mel spectrogram (frames x mels) with the
// probability that it contains the wake phrase.
type Model interface {
	Predict(spectrogram [][]float64) (float64, error)
}

// CNN is a single-layer convolutional classifier:
// conv3x3 -> ReLU -> global average pool -> dense -> sigmoid.
type CNN struct {
	Kernels      [][][]float64 `json:"kernels"`
	KernelBias   []float64     `json:"kernel_bias"`
	DenseWeights []float64     `json:"dense_weights"`
	DenseBias    float64       `json:"dense_bias"`
}

const kernelSize = 3

// LoadCNN reads weights from a JSON artifact.
func LoadCNN(path string) (*CNN, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wake model: %w", err)
	}
	var m CNN
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode wake model: %v", domain.ErrConfig, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the weight shapes agree.
func (m *CNN) Validate() error {
	filters := len(m.Kernels)
	if filters == 0 {
		return fmt.Errorf("%w: wake model has no kernels", domain.ErrConfig)
	}
	if len(m.KernelBias) != filters || len(m.DenseWeights) != filters {
		return fmt.Errorf("%w: wake model has %d kernels, %d biases and %d dense weights",
			domain.ErrConfig, filters, len(m.KernelBias), len(m.DenseWeights))
	}
	for i, k := range m.Kernels {
		if len(k) != kernelSize {
			return fmt.Errorf("%w: kernel %d must be %dx%d", domain.ErrConfig, i, kernelSize, kernelSize)
		}
		for _, row := range k {
			if len(row) != kernelSize {
				return fmt.Errorf("%w: kernel %d must be %dx%d", domain.ErrConfig, i, kernelSize, kernelSize)
			}
		}
	}
	return nil
}

// Predict runs the forward pass.
func (m *CNN) Predict(spec [][]float64) (float64, error) {
	rows := len(spec)
	if rows < kernelSize || len(spec[0]) < kernelSize {
		return 0, fmt.Errorf("spectrogram %dx%d is smaller than the kernel", rows, len(firstRow(spec)))
	}
	cols := len(spec[0])

	logit := m.DenseBias
	positions := float64((rows - kernelSize + 1) * (cols - kernelSize + 1))
	for f, kernel := range m.Kernels {
		var pooled float64
		for t := 0; t+kernelSize <= rows; t++ {
			for b := 0; b+kernelSize <= cols; b++ {
				v := m.KernelBias[f]
				for i := 0; i < kernelSize; i++ {
					for j := 0; j < kernelSize; j++ {
						v += kernel[i][j] * spec[t+i][b+j]
					}
				}
				if v > 0 {
					pooled += v
				}
			}
		}
		logit += m.DenseWeights[f] * pooled / positions
	}
	return 1 / (1 + math.Exp(-logit)), nil
}

func firstRow(spec [][]float64) []float64 {
	if len(spec) == 0 {
		return nil
	}
	return spec[0]
}
