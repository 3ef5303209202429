package device

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/naga"
)

const spirvMagic = 0x07230203

// ValidateKernelSource compiles a kernel's embedded WGSL to SPIR-V as a preflight check.
// Devices call it before creating shader modules so a broken kernel is reported by name
// rather than by an opaque driver error.
//
// Parameters:
//   - id: the kernel to validate
//
// Returns:
//   - []byte: the SPIR-V words produced by the compiler
//   - error: ErrUnknownKernel, or the compiler diagnostic wrapped with the kernel name
func ValidateKernelSource(id KernelId) ([]byte, error) {
	info, err := id.Info()
	if err != nil {
		return nil, err
	}
	spirv, err := naga.Compile(info.Source)
	if err != nil {
		return nil, fmt.Errorf("kernel %s: %w", info.Name, err)
	}
	if len(spirv) < 4 || binary.LittleEndian.Uint32(spirv[:4]) != spirvMagic {
		return nil, fmt.Errorf("kernel %s: compiler produced invalid SPIR-V", info.Name)
	}
	return spirv, nil
}
