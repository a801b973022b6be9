//go:build nonvml

package controller

import (
	"fmt"

	"github.com/skobkin/gpucontrold/internal/gpu"
)

func newNvidia(info gpu.Info, _ Options) (GPUController, error) {
	return nil, fmt.Errorf("%w: %s: built without NVML support", ErrUnsupported, info.ID)
}
