//go:build !linux

package uart

import "fmt"

func openSerial(path string) (Port, error) {
	return nil, fmt.Errorf("direct serial connection to %q is only supported on linux, use a socket:// bridge", path)
}
