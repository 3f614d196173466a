package transaction

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// runLifecycleScript runs an already-written-to-disk lifecycle script via
// /bin/bash, with the root/package/script name injected as environment
// variables, per spec.md §4.7.
func runLifecycleScript(root, pkgName, scriptName, path string) error {
	cmd := exec.Command("/bin/bash", path)
	cmd.Dir = root
	cmd.Env = append(os.Environ(),
		"ROOKPKG_ROOT="+root,
		"ROOKPKG_PACKAGE="+pkgName,
		"ROOKPKG_SCRIPT="+scriptName,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		firstLine := strings.SplitN(stderr.String(), "\n", 2)[0]
		if firstLine == "" {
			firstLine = "unknown error"
		}
		return rerr.Wrap(rerr.BuildFailed, fmt.Sprintf("run %s script", scriptName), pkgName, fmt.Errorf("%s", firstLine))
	}
	return nil
}
