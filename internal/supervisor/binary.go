package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultBinary is the proxy executable name looked up when none is configured.
const DefaultBinary = "paqet"

// ResolveBinary locates the proxy executable. A name containing a path
// separator is used as is. A bare name is searched for next to the running
// executable, then in the working directory, then in $PATH.
func ResolveBinary(name string) (string, error) {
	if name == "" {
		name = DefaultBinary
	}
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		name += ".exe"
	}

	if strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		if err := checkExecutable(name); err != nil {
			return "", &LaunchError{Binary: name, Err: err}
		}
		return filepath.Clean(name), nil
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), name))
	}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, name))
	}

	var denied error
	for _, c := range candidates {
		err := checkExecutable(c)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, fs.ErrPermission) && denied == nil {
			denied = err
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	if denied != nil {
		return "", &LaunchError{Binary: name, Err: denied}
	}
	return "", &LaunchError{Binary: name, Err: fmt.Errorf("executable not found next to paqetd, in the working directory or in $PATH: %w", fs.ErrNotExist)}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return &fs.PathError{Op: "exec", Path: path, Err: fs.ErrPermission}
	}
	return nil
}
