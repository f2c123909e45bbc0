//go:build !(linux && cuda)

package device

// CudaBackend is unavailable in this build; NewCudaBackend always fails.
type CudaBackend struct{}

func NewCudaBackend(device int) (*CudaBackend, error) {
	return nil, ErrCUDANotAvailable
}

func (b *CudaBackend) Name() string { return "CUDA (unavailable)" }
func (b *CudaBackend) Close()       {}

func (b *CudaBackend) Alloc(int) (Ptr, error) {
	return Ptr{}, ErrCUDANotAvailable
}

func (b *CudaBackend) Free(Ptr) {}

func (b *CudaBackend) SetVector(int, int, []byte, int, Ptr, int) error {
	return ErrCUDANotAvailable
}

func (b *CudaBackend) GetVector(int, int, Ptr, int, []byte, int) error {
	return ErrCUDANotAvailable
}

func (b *CudaBackend) Mirror([]byte) (Ptr, error) {
	return Ptr{}, ErrCUDANotAvailable
}

func (b *CudaBackend) ReleaseMirror([]byte) {}
func (b *CudaBackend) ReleaseMirrors() int  { return 0 }

func (b *CudaBackend) Synchronize() {}

func (b *CudaBackend) GetVRAMUsage() (int64, int64) {
	return 0, 0
}
