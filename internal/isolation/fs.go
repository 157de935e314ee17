package isolation

import (
	"os"
)

// FS is the slice of filesystem access the controller needs for sysfs,
// procfs and cgroupfs. Tests substitute failures through it.
type FS interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	ReadDir(path string) ([]os.DirEntry, error)
	Mkdir(path string) error
}

type hostFS struct{}

// HostFS writes straight to the kernel interfaces.
func HostFS() FS { return hostFS{} }

func (hostFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// WriteFile issues a single write, as kernel attribute files expect.
func (hostFS) WriteFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (hostFS) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

func (hostFS) Mkdir(path string) error {
	if err := os.Mkdir(path, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}
