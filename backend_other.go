//go:build !linux && !(windows && amd64)

package asyncio

func probeKernelBackend(*options) (kernelBackend, error) {
	return nil, errNoKernelBackend
}
