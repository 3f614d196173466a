// Package build executes a package specification's build phases — prep,
// configure, build, check, install — against a fetched and patched
// source tree, per spec.md §3.1 "Build Phase" and §4.6 "Build Executor".
package build

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/compression"
	"github.com/dollspace-gay/rookpkg/internal/config"
	"github.com/dollspace-gay/rookpkg/internal/rerr"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

// PhaseResult is the outcome of running one build phase script.
type PhaseResult struct {
	Phase       string
	ExitCode    int
	Stdout      string
	Stderr      string
	DurationSec float64
}

// Success reports whether the phase exited zero.
func (p PhaseResult) Success() bool { return p.ExitCode == 0 }

// Environment is a single package build's working state: its staged
// source, destination (DESTDIR-equivalent), and build environment
// variables, built from a specification and a loaded configuration.
type Environment struct {
	spec *specfile.Spec

	buildDir string
	srcDir   string
	destDir  string

	env  map[string]string
	jobs int

	downloader *Downloader
	log        *zap.Logger
}

// NewEnvironment sets up a fresh build directory tree for spec under
// cfg.BuildDir, ready for FetchSources/ApplyPatches/the phase runners.
func NewEnvironment(spec *specfile.Spec, cfg *config.Config, log *zap.Logger) (*Environment, error) {
	if log == nil {
		log = zap.NewNop()
	}
	buildDir := filepath.Join(cfg.BuildDir, fmt.Sprintf("%s-%s", spec.Package.Name, spec.Package.Version))
	srcDir := filepath.Join(buildDir, "src")
	destDir := filepath.Join(buildDir, "dest")

	for _, dir := range []string{buildDir, srcDir, destDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, rerr.Wrap(rerr.IO, "create build directory", dir, err)
		}
	}

	downloader, err := NewDownloader(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	jobs := cfg.BuildJobs
	if jobs <= 0 {
		jobs = 1
	}

	env := map[string]string{
		"ROOKPKG_NAME":     spec.Package.Name,
		"ROOKPKG_VERSION":  spec.Package.Version,
		"ROOKPKG_RELEASE":  fmt.Sprintf("%d", spec.Package.Release),
		"ROOKPKG_BUILDDIR": buildDir,
		"ROOKPKG_SRCDIR":   srcDir,
		"ROOKPKG_DESTDIR":  destDir,
		"PATH":             "/usr/bin:/bin:/usr/sbin:/sbin",
		"HOME":             "/root",
		"TERM":             "xterm-256color",
		"MAKEFLAGS":        fmt.Sprintf("-j%d", jobs),
		"NINJAJOBS":        fmt.Sprintf("%d", jobs),
		"LC_ALL":           "POSIX",
	}
	for k, v := range spec.Environment {
		env[k] = v
	}

	return &Environment{
		spec: spec, buildDir: buildDir, srcDir: srcDir, destDir: destDir,
		env: env, jobs: jobs, downloader: downloader, log: log,
	}, nil
}

// BuildDir, SrcDir, and DestDir expose the three working directories.
func (e *Environment) BuildDir() string { return e.buildDir }
func (e *Environment) SrcDir() string   { return e.srcDir }
func (e *Environment) DestDir() string  { return e.destDir }

// Jobs returns the configured parallel build job count.
func (e *Environment) Jobs() int { return e.jobs }

// CacheDir returns the downloader's source cache directory.
func (e *Environment) CacheDir() string { return e.downloader.CacheDir() }

// FetchSources downloads every [sources] entry (trying mirrors on
// failure) and extracts each into SrcDir.
func (e *Environment) FetchSources() error {
	for name, source := range e.spec.Sources {
		sf := SourceFile{URL: source.URL, SHA256: source.SHA256, Mirrors: source.Mirrors, Filename: source.Filename}
		path, err := e.downloader.Download(sf)
		if err != nil {
			return rerr.Wrap(rerr.DownloadFailed, "fetch source", name, err)
		}
		if err := extractArchive(path, e.srcDir); err != nil {
			return rerr.Wrap(rerr.IO, "extract source", name, err)
		}
	}
	return nil
}

// extractArchive decompresses path by its suffix (via internal/compression)
// and unpacks the resulting tar stream into destDir.
func extractArchive(path, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decompressed, err := compression.Decompress(f, filepath.Base(path), nil)
	if err != nil {
		return err
	}

	tr := tar.NewReader(decompressed)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.MkdirAll(filepath.Dir(target), 0o755)
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// ApplyPatches runs `patch -pN -i <file>` in SrcDir for every [patches]
// entry, in the order the spec declares them.
func (e *Environment) ApplyPatches() error {
	for name, patch := range e.spec.Patches {
		patchPath := filepath.Join(e.srcDir, patch.File)
		if _, err := os.Stat(patchPath); err != nil {
			return rerr.Wrap(rerr.BuildFailed, "apply patch", name, fmt.Errorf("patch file not found: %s", patchPath))
		}

		cmd := exec.Command("patch", fmt.Sprintf("-p%d", patch.Strip), "-i", patchPath)
		cmd.Dir = e.srcDir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return rerr.Wrap(rerr.BuildFailed, "apply patch", name, fmt.Errorf("%s", stderr.String()))
		}
	}
	return nil
}

// RunPrep, RunConfigure, RunBuild, RunCheck, and RunInstall each run their
// named phase's script body.
func (e *Environment) RunPrep() (PhaseResult, error)      { return e.runPhase("prep", e.spec.Build.Prep) }
func (e *Environment) RunConfigure() (PhaseResult, error) { return e.runPhase("configure", e.spec.Build.Configure) }
func (e *Environment) RunBuild() (PhaseResult, error)     { return e.runPhase("build", e.spec.Build.Build) }
func (e *Environment) RunCheck() (PhaseResult, error)     { return e.runPhase("check", e.spec.Build.Check) }
func (e *Environment) RunInstall() (PhaseResult, error)   { return e.runPhase("install", e.spec.Build.Install) }

// runPhase writes script to a scratch .sh file (with a shebang, "set -e",
// and "set -o pipefail" prepended), makes it executable, and runs it via
// /bin/bash in the extracted source directory.
func (e *Environment) runPhase(name, script string) (PhaseResult, error) {
	if strings.TrimSpace(script) == "" {
		return PhaseResult{Phase: name, ExitCode: 0}, nil
	}

	scriptPath := filepath.Join(e.buildDir, name+".sh")
	body := "#!/bin/bash\nset -e\nset -o pipefail\n\n# " + name + " phase for " + e.spec.Package.Name + "\n\n" + script + "\n"
	if err := os.WriteFile(scriptPath, []byte(body), 0o755); err != nil {
		return PhaseResult{}, rerr.Wrap(rerr.IO, "write phase script", scriptPath, err)
	}

	workDir, err := e.findSourceDir()
	if err != nil {
		return PhaseResult{}, err
	}

	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range e.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	return PhaseResult{
		Phase: name, ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String(),
		DurationSec: duration.Seconds(),
	}, nil
}

// findSourceDir returns SrcDir's single subdirectory, the common layout
// after extracting an upstream tarball, or SrcDir itself otherwise.
func (e *Environment) findSourceDir() (string, error) {
	entries, err := os.ReadDir(e.srcDir)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "list source directory", e.srcDir, err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) == 1 {
		return filepath.Join(e.srcDir, dirs[0]), nil
	}
	return e.srcDir, nil
}

// BuildAll fetches sources, applies patches, and runs every phase in
// order, stopping at the first phase that exits non-zero.
func (e *Environment) BuildAll() ([]PhaseResult, error) {
	var results []PhaseResult

	if err := e.FetchSources(); err != nil {
		return nil, err
	}
	if err := e.ApplyPatches(); err != nil {
		return nil, err
	}

	phases := []struct {
		name   string
		script string
	}{
		{"prep", e.spec.Build.Prep},
		{"configure", e.spec.Build.Configure},
		{"build", e.spec.Build.Build},
		{"check", e.spec.Build.Check},
		{"install", e.spec.Build.Install},
	}

	for _, phase := range phases {
		e.log.Info("running build phase", zap.String("package", e.spec.Package.Name), zap.String("phase", phase.name))
		result, err := e.runPhase(phase.name, phase.script)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if !result.Success() {
			e.log.Warn("build phase failed", zap.String("phase", phase.name), zap.Int("exit_code", result.ExitCode))
			return results, rerr.Wrap(rerr.BuildFailed, "run build phase", phase.name,
				fmt.Errorf("exit code %d", result.ExitCode))
		}
	}

	e.log.Info("build completed", zap.String("package", e.spec.Package.Name))
	return results, nil
}

// Clean removes the entire build directory.
func (e *Environment) Clean() error {
	if _, err := os.Stat(e.buildDir); err != nil {
		return nil
	}
	if err := os.RemoveAll(e.buildDir); err != nil {
		return rerr.Wrap(rerr.IO, "clean build directory", e.buildDir, err)
	}
	return nil
}

// CollectInstalledFiles walks DestDir and returns every regular file's
// path, rooted at "/" the way it will be installed, sorted.
func (e *Environment) CollectInstalledFiles() ([]string, error) {
	var files []string
	if _, err := os.Stat(e.destDir); err != nil {
		return files, nil
	}

	err := filepath.Walk(e.destDir, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.destDir, p)
		if err != nil {
			return err
		}
		files = append(files, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "collect installed files", e.destDir, err)
	}

	sort.Strings(files)
	return files, nil
}
