package sigguard

import "unsafe"

// GuardedReadAt copies len(buf) bytes from addr into buf, through
// WithGuard. It is the ReadFunc elfimg.Image opens real
// process images with — test doubles use elfimg.NewMemReader instead.
func GuardedReadAt(addr uint64, buf []byte) error {
	_, err := WithGuard(func() struct{} {
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
		copy(buf, src)
		return struct{}{}
	})
	return err
}
