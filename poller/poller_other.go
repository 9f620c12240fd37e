//go:build !linux

package poller

// New 在非 Linux 平台返回占位错误
func New() (Poller, error) {
	return nil, ErrPlatformNotSupported
}
