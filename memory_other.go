//go:build !linux

package cidmap

import cmerrors "github.com/tamirms/cidmap/errors"

// Sample is not supported outside Linux.
func (*ProcessSampler) Sample() (MemorySample, error) {
	return MemorySample{}, cmerrors.ErrSamplerUnsupported
}
