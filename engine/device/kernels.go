package device

import (
	_ "embed"
	"fmt"
)

// KernelId names one compute kernel of the splat pipeline. The set is closed: every
// device implementation handles exactly these kernels, and new passes are added by
// extending the list and its kernelTable entry.
type KernelId int

const (
	// KernelInitIndices writes the identity index list and the matching draw arguments.
	KernelInitIndices KernelId = iota

	// KernelComputeDepth writes sortable depth keys for the index list.
	KernelComputeDepth

	// KernelCullChunks classifies each chunk as hidden, visible, or partial.
	KernelCullChunks

	// KernelCullSplats resolves the per-splat visibility mask.
	KernelCullSplats

	// KernelCompactReset zeroes the visible count held in the draw arguments.
	KernelCompactReset

	// KernelCompactWrite appends visible indices, counting them atomically.
	KernelCompactWrite

	// KernelCompactCopy copies compacted indices into the sorter's value list.
	KernelCompactCopy

	// KernelBitonicStep performs one compare-exchange stage of a bitonic sort.
	KernelBitonicStep

	// KernelViewData prepares per-splat view data for the draw pass.
	KernelViewData

	kernelCount
)

// BindingKind describes how a kernel binds one buffer.
type BindingKind int

const (
	// BindingUniform is a uniform buffer.
	BindingUniform BindingKind = iota

	// BindingUniformDynamic is a uniform buffer addressed with a dynamic offset.
	BindingUniformDynamic

	// BindingReadOnlyStorage is a storage buffer the kernel only reads.
	BindingReadOnlyStorage

	// BindingStorage is a storage buffer the kernel reads and writes.
	BindingStorage
)

// KernelInfo is the static description of a kernel.
type KernelInfo struct {
	Name          string
	EntryPoint    string
	WorkgroupSize uint32
	Bindings      []BindingKind
	Source        string
}

//go:embed assets/init_indices.wgsl
var initIndicesSource string

//go:embed assets/compute_depth.wgsl
var computeDepthSource string

//go:embed assets/cull_chunks.wgsl
var cullChunksSource string

//go:embed assets/cull_splats.wgsl
var cullSplatsSource string

//go:embed assets/compact_reset.wgsl
var compactResetSource string

//go:embed assets/compact_write.wgsl
var compactWriteSource string

//go:embed assets/compact_copy.wgsl
var compactCopySource string

//go:embed assets/bitonic_step.wgsl
var bitonicStepSource string

//go:embed assets/view_data.wgsl
var viewDataSource string

var kernelTable = [kernelCount]KernelInfo{
	KernelInitIndices: {
		Name: "init_indices", EntryPoint: "main", WorkgroupSize: 256, Source: initIndicesSource,
		Bindings: []BindingKind{BindingUniform, BindingStorage, BindingStorage},
	},
	KernelComputeDepth: {
		Name: "compute_depth", EntryPoint: "main", WorkgroupSize: 256, Source: computeDepthSource,
		Bindings: []BindingKind{BindingUniform, BindingReadOnlyStorage, BindingReadOnlyStorage, BindingReadOnlyStorage, BindingStorage},
	},
	KernelCullChunks: {
		Name: "cull_chunks", EntryPoint: "main", WorkgroupSize: 64, Source: cullChunksSource,
		Bindings: []BindingKind{BindingUniform, BindingReadOnlyStorage, BindingStorage},
	},
	KernelCullSplats: {
		Name: "cull_splats", EntryPoint: "main", WorkgroupSize: 256, Source: cullSplatsSource,
		Bindings: []BindingKind{BindingUniform, BindingReadOnlyStorage, BindingReadOnlyStorage, BindingReadOnlyStorage, BindingStorage},
	},
	KernelCompactReset: {
		Name: "compact_reset", EntryPoint: "main", WorkgroupSize: 1, Source: compactResetSource,
		Bindings: []BindingKind{BindingUniform, BindingStorage},
	},
	KernelCompactWrite: {
		Name: "compact_write", EntryPoint: "main", WorkgroupSize: 256, Source: compactWriteSource,
		Bindings: []BindingKind{BindingUniform, BindingReadOnlyStorage, BindingStorage, BindingStorage},
	},
	KernelCompactCopy: {
		Name: "compact_copy", EntryPoint: "main", WorkgroupSize: 256, Source: compactCopySource,
		Bindings: []BindingKind{BindingUniform, BindingReadOnlyStorage, BindingReadOnlyStorage, BindingStorage},
	},
	KernelBitonicStep: {
		Name: "bitonic_step", EntryPoint: "main", WorkgroupSize: 256, Source: bitonicStepSource,
		Bindings: []BindingKind{BindingUniformDynamic, BindingStorage, BindingStorage},
	},
	KernelViewData: {
		Name: "view_data", EntryPoint: "main", WorkgroupSize: 256, Source: viewDataSource,
		Bindings: []BindingKind{
			BindingUniform, BindingReadOnlyStorage, BindingReadOnlyStorage, BindingReadOnlyStorage,
			BindingReadOnlyStorage, BindingReadOnlyStorage, BindingStorage,
		},
	},
}

// Kernels returns every KernelId in declaration order.
func Kernels() []KernelId {
	out := make([]KernelId, 0, kernelCount)
	for k := range kernelCount {
		out = append(out, k)
	}
	return out
}

// Valid reports whether k is one of the declared kernels.
func (k KernelId) Valid() bool {
	return k >= 0 && k < kernelCount
}

// Info returns the static description of the kernel.
//
// Returns:
//   - KernelInfo: the kernel description
//   - error: ErrUnknownKernel if k is not a declared kernel
func (k KernelId) Info() (KernelInfo, error) {
	if !k.Valid() {
		return KernelInfo{}, fmt.Errorf("kernel %d: %w", int(k), ErrUnknownKernel)
	}
	return kernelTable[k], nil
}

// WorkgroupSize returns the kernel's workgroup size, or 0 for an unknown kernel.
func (k KernelId) WorkgroupSize() uint32 {
	if !k.Valid() {
		return 0
	}
	return kernelTable[k].WorkgroupSize
}

func (k KernelId) String() string {
	if !k.Valid() {
		return fmt.Sprintf("KernelId(%d)", int(k))
	}
	return kernelTable[k].Name
}

// CheckDispatch validates bindings and dynamic offsets against the kernel description.
//
// Parameters:
//   - args: the dispatch to validate
//
// Returns:
//   - error: a description of the first mismatch, nil if the dispatch is well formed
func CheckDispatch(args DispatchArgs) error {
	info, err := args.Kernel.Info()
	if err != nil {
		return err
	}
	if len(args.Bindings) != len(info.Bindings) {
		return fmt.Errorf("kernel %s expects %d bindings, got %d", info.Name, len(info.Bindings), len(args.Bindings))
	}
	dynamic := 0
	for i, b := range args.Bindings {
		if b.Buffer == nil {
			return fmt.Errorf("kernel %s binding %d has no buffer", info.Name, i)
		}
		if b.Offset > b.Buffer.Size() || b.Offset+b.Size > b.Buffer.Size() {
			return fmt.Errorf("kernel %s binding %d range exceeds %q: %w", info.Name, i, b.Buffer.Label(), ErrBufferTooSmall)
		}
		if info.Bindings[i] == BindingUniformDynamic {
			dynamic++
		}
	}
	if len(args.DynamicOffsets) != dynamic {
		return fmt.Errorf("kernel %s expects %d dynamic offsets, got %d", info.Name, dynamic, len(args.DynamicOffsets))
	}
	for _, g := range args.Workgroups {
		if g > MaxWorkgroupsPerDimension {
			return fmt.Errorf("kernel %s workgroup count %d exceeds limit", info.Name, g)
		}
	}
	return nil
}
