//go:build windows

package fakeproxy

import "errors"

func startDetached([]string) (int, error) {
	return 0, errors.New("detach is not supported on windows")
}
