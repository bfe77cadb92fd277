// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build !linux

package checkpoint

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
