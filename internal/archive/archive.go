// Package archive reads and writes .rookpkg binary package archives: a
// tar container holding .PKGINFO, .FILES, an optional .INSTALL, and a
// zstd-compressed data.tar payload. See spec.md §3.1 "Package Archive"
// and §4.2 "Archive Format".
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/zstd"
	"pault.ag/go/debian/transput"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

// Extension is the canonical package archive file suffix.
const Extension = ".rookpkg"

// Info is the .PKGINFO metadata table.
type Info struct {
	Name             string              `toml:"name"`
	Version          string              `toml:"version"`
	Release          uint32              `toml:"release"`
	Summary          string              `toml:"summary"`
	Description      string              `toml:"description"`
	License          string              `toml:"license"`
	URL              string              `toml:"url"`
	Maintainer       string              `toml:"maintainer"`
	BuildTime        int64               `toml:"build_time"`
	InstalledSize    uint64              `toml:"installed_size"`
	Depends          map[string]string   `toml:"depends"`
	BuildDepends     map[string]string   `toml:"build_depends"`
	OptionalDepends  map[string][]string `toml:"optional_depends"`
	Arch             string              `toml:"arch"`
}

// Filename returns {name}-{version}-{release}.{arch}.rookpkg.
func (i *Info) Filename() string {
	return fmt.Sprintf("%s-%s-%d.%s%s", i.Name, i.Version, i.Release, i.Arch, Extension)
}

// InfoFromSpec builds an Info from a package specification, ready to have
// InstalledSize filled in by Builder.ScanFiles.
func InfoFromSpec(spec *specfile.Spec, arch string) *Info {
	return &Info{
		Name:            spec.Package.Name,
		Version:         spec.Package.Version,
		Release:         spec.Package.Release,
		Summary:         spec.Package.Summary,
		Description:     spec.Package.Description,
		License:         spec.Package.License,
		URL:             spec.Package.URL,
		Maintainer:      spec.Package.Maintainer,
		BuildTime:       time.Now().UTC().Unix(),
		Depends:         spec.RuntimeDeps(),
		BuildDepends:    spec.BuildDepsMap(),
		OptionalDepends: spec.OptionalDepends,
		Arch:            arch,
	}
}

// FileType classifies an entry in .FILES.
type FileType string

const (
	TypeRegular   FileType = "Regular"
	TypeDirectory FileType = "Directory"
	TypeSymlink   FileType = "Symlink"
	TypeHardlink  FileType = "Hardlink"
)

// FileEntry is one row of .FILES.
type FileEntry struct {
	Path     string   `toml:"path"`
	Size     uint64   `toml:"size"`
	SHA256   string   `toml:"sha256"`
	Mode     uint32   `toml:"mode"`
	IsConfig bool     `toml:"is_config"`
	FileType FileType `toml:"file_type"`
}

type fileList struct {
	Files []FileEntry `toml:"files"`
}

// Scripts is the optional .INSTALL lifecycle-script table.
type Scripts struct {
	PreInstall  string `toml:"pre_install"`
	PostInstall string `toml:"post_install"`
	PreRemove   string `toml:"pre_remove"`
	PostRemove  string `toml:"post_remove"`
	PreUpgrade  string `toml:"pre_upgrade"`
	PostUpgrade string `toml:"post_upgrade"`
}

// HasScripts reports whether any lifecycle script body is non-empty.
func (s *Scripts) HasScripts() bool {
	return s.PreInstall != "" || s.PostInstall != "" || s.PreRemove != "" ||
		s.PostRemove != "" || s.PreUpgrade != "" || s.PostUpgrade != ""
}

// ScriptsFromSpec copies the six lifecycle script bodies out of a spec.
func ScriptsFromSpec(spec *specfile.Spec) Scripts {
	return Scripts{
		PreInstall:  spec.Scripts.PreInstall,
		PostInstall: spec.Scripts.PostInstall,
		PreRemove:   spec.Scripts.PreRemove,
		PostRemove:  spec.Scripts.PostRemove,
		PreUpgrade:  spec.Scripts.PreUpgrade,
		PostUpgrade: spec.Scripts.PostUpgrade,
	}
}

// Builder assembles a .rookpkg archive from a staged installation tree.
type Builder struct {
	Info          *Info
	Files         []FileEntry
	Scripts       Scripts
	StagedDir     string
	ConfigPrefixes []string
}

// NewBuilder constructs a Builder over a staged directory (the tree a
// build executor produced under DESTDIR).
func NewBuilder(spec *specfile.Spec, stagedDir string, arch string, configPrefixes []string) *Builder {
	if len(configPrefixes) == 0 {
		configPrefixes = []string{"/etc/"}
	}
	return &Builder{
		Info:           InfoFromSpec(spec, arch),
		Scripts:        ScriptsFromSpec(spec),
		StagedDir:      stagedDir,
		ConfigPrefixes: configPrefixes,
	}
}

// ScanFiles walks StagedDir, computing SHA-256 for every regular file and
// accumulating InstalledSize. Entries are sorted by path afterward, per
// spec.md §4.2 "Packaging the archive".
func (b *Builder) ScanFiles() error {
	b.Files = nil
	var total uint64

	err := filepath.Walk(b.StagedDir, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == b.StagedDir {
			return nil
		}
		rel, err := filepath.Rel(b.StagedDir, p)
		if err != nil {
			return err
		}
		installPath := path.Join("/", filepath.ToSlash(rel))

		entry := FileEntry{
			Path:     installPath,
			IsConfig: isConfigPath(installPath, b.ConfigPrefixes),
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			entry.FileType = TypeSymlink
			entry.Mode = uint32(fi.Mode().Perm())
		case fi.IsDir():
			entry.FileType = TypeDirectory
			entry.Mode = uint32(fi.Mode().Perm())
		default:
			entry.FileType = TypeRegular
			entry.Mode = uint32(fi.Mode().Perm())
			entry.Size = uint64(fi.Size())
			sum, err := sha256File(p)
			if err != nil {
				return err
			}
			entry.SHA256 = sum
			total += entry.Size
		}

		b.Files = append(b.Files, entry)
		return nil
	})
	if err != nil {
		return rerr.Wrap(rerr.IO, "scan staged tree", b.StagedDir, err)
	}

	sort.Slice(b.Files, func(i, j int) bool { return b.Files[i].Path < b.Files[j].Path })
	b.Info.InstalledSize = total
	return nil
}

func isConfigPath(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// sha256File hashes an already-staged file on disk; there's no write
// happening here for transput's tee-while-writing to ride along with, so
// a single-pass crypto/sha256 read is all this needs.
func sha256File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Build packages the staged tree into outputDir, returning the archive
// path and its SHA-256, hashed in the same pass as the write via
// transput.NewHasherWriters rather than a second read-back pass.
func (b *Builder) Build(outputDir string) (string, string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", rerr.Wrap(rerr.IO, "create output directory", outputDir, err)
	}

	dataTar, err := b.buildDataTar()
	if err != nil {
		return "", "", err
	}

	compressed, err := compressZstd(dataTar, 19)
	if err != nil {
		return "", "", err
	}

	outputPath := filepath.Join(outputDir, b.Info.Filename())
	sum, err := b.writeOuterTar(outputPath, compressed)
	if err != nil {
		return "", "", err
	}
	return outputPath, sum, nil
}

func (b *Builder) buildDataTar() ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, entry := range b.Files {
		fsPath := filepath.Join(b.StagedDir, filepath.FromSlash(strings.TrimPrefix(entry.Path, "/")))

		hdr, err := tarHeaderFor(entry, fsPath)
		if err != nil {
			return nil, rerr.Wrap(rerr.IO, "build data tar header", fsPath, err)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, rerr.Wrap(rerr.IO, "write data tar header", fsPath, err)
		}
		if entry.FileType == TypeRegular {
			if err := copyFileInto(tw, fsPath); err != nil {
				return nil, rerr.Wrap(rerr.IO, "write data tar body", fsPath, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, rerr.Wrap(rerr.IO, "finalize data tar", "", err)
	}
	return buf.Bytes(), nil
}

func tarHeaderFor(entry FileEntry, fsPath string) (*tar.Header, error) {
	name := strings.TrimPrefix(entry.Path, "/")
	switch entry.FileType {
	case TypeDirectory:
		return &tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: int64(entry.Mode)}, nil
	case TypeSymlink:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return nil, err
		}
		return &tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: target, Mode: int64(entry.Mode)}, nil
	default:
		return &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: int64(entry.Mode), Size: int64(entry.Size)}, nil
	}
}

func copyFileInto(w io.Writer, fsPath string) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func compressZstd(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "create zstd encoder", "", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, rerr.Wrap(rerr.IO, "compress payload", "", err)
	}
	if err := enc.Close(); err != nil {
		return nil, rerr.Wrap(rerr.IO, "finalize zstd stream", "", err)
	}
	return buf.Bytes(), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "create zstd decoder", "", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// writeOuterTar streams the three metadata members plus the compressed
// data payload into outputPath through a transput multi-hash writer, the
// same tee-while-writing approach the teacher's Archive.writeObject uses
// for its pooled objects, so the archive's own SHA-256 falls out of the
// write instead of a second read-back pass.
func (b *Builder) writeOuterTar(outputPath string, dataZst []byte) (string, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "create archive file", outputPath, err)
	}
	defer f.Close()

	hashed, hashers, err := transput.NewHasherWriters([]string{"sha256"}, f)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "set up archive hasher", outputPath, err)
	}

	tw := tar.NewWriter(hashed)

	pkginfo, err := encodeTOML(b.Info)
	if err != nil {
		return "", err
	}
	if err := addTarMember(tw, ".PKGINFO", pkginfo); err != nil {
		return "", err
	}

	filesContent, err := encodeTOML(&fileList{Files: b.Files})
	if err != nil {
		return "", err
	}
	if err := addTarMember(tw, ".FILES", filesContent); err != nil {
		return "", err
	}

	if b.Scripts.HasScripts() {
		installContent, err := encodeTOML(&b.Scripts)
		if err != nil {
			return "", err
		}
		if err := addTarMember(tw, ".INSTALL", installContent); err != nil {
			return "", err
		}
	}

	if err := addTarMember(tw, "data.tar.zst", dataZst); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", rerr.Wrap(rerr.IO, "finalize archive tar", outputPath, err)
	}

	return hex.EncodeToString(hashers[0].Sum(nil)), nil
}

func encodeTOML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, rerr.Wrap(rerr.IO, "encode archive metadata", "", err)
	}
	return buf.Bytes(), nil
}

func addTarMember(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return rerr.Wrap(rerr.IO, "write archive member header", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return rerr.Wrap(rerr.IO, "write archive member", name, err)
	}
	return nil
}

// Reader provides random-access reads over a .rookpkg archive's three
// metadata members and streaming extraction of its data payload, per
// spec.md §4.2: implementations must tolerate arbitrary member ordering.
type Reader struct {
	path string
}

// Open returns a Reader over path. It does not read the file yet.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, rerr.Wrap(rerr.IO, "open archive", path, err)
	}
	return &Reader{path: path}, nil
}

func (r *Reader) eachMember(visit func(name string, tr *tar.Reader) (bool, error)) error {
	f, err := os.Open(r.path)
	if err != nil {
		return rerr.Wrap(rerr.IO, "open archive", r.path, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rerr.Wrap(rerr.IO, "read archive entries", r.path, err)
		}
		done, err := visit(hdr.Name, tr)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ReadInfo parses .PKGINFO.
func (r *Reader) ReadInfo() (*Info, error) {
	var info Info
	found := false
	err := r.eachMember(func(name string, tr *tar.Reader) (bool, error) {
		if name != ".PKGINFO" {
			return false, nil
		}
		if _, err := toml.NewDecoder(tr).Decode(&info); err != nil {
			return false, rerr.Wrap(rerr.InvalidSpec, "parse .PKGINFO", r.path, err)
		}
		found = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rerr.Wrap(rerr.InvalidSpec, "read .PKGINFO", r.path, fmt.Errorf("archive has no .PKGINFO member"))
	}
	return &info, nil
}

// ReadFiles parses .FILES.
func (r *Reader) ReadFiles() ([]FileEntry, error) {
	var list fileList
	found := false
	err := r.eachMember(func(name string, tr *tar.Reader) (bool, error) {
		if name != ".FILES" {
			return false, nil
		}
		if _, err := toml.NewDecoder(tr).Decode(&list); err != nil {
			return false, rerr.Wrap(rerr.InvalidSpec, "parse .FILES", r.path, err)
		}
		found = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rerr.Wrap(rerr.InvalidSpec, "read .FILES", r.path, fmt.Errorf("archive has no .FILES member"))
	}
	return list.Files, nil
}

// ReadScripts parses .INSTALL, returning nil if the archive has none.
func (r *Reader) ReadScripts() (*Scripts, error) {
	var scripts Scripts
	found := false
	err := r.eachMember(func(name string, tr *tar.Reader) (bool, error) {
		if name != ".INSTALL" {
			return false, nil
		}
		if _, err := toml.NewDecoder(tr).Decode(&scripts); err != nil {
			return false, rerr.Wrap(rerr.InvalidSpec, "parse .INSTALL", r.path, err)
		}
		found = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &scripts, nil
}

// RawBytes returns the raw bytes of the whole archive file, for
// signature verification (the hybrid signature is computed over SHA-256
// of the whole archive file).
func (r *Reader) RawBytes() ([]byte, error) {
	return os.ReadFile(r.path)
}

// ExtractData stages data.tar.zst to a scratch location, zstd-decodes it,
// and unpacks the resulting tar to dest. All member paths are normalized
// to absolute form rooted at "/" before being joined under dest, per
// spec.md §4.2.
func (r *Reader) ExtractData(dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create extraction root", dest, err)
	}

	var compressed []byte
	found := false
	err := r.eachMember(func(name string, tr *tar.Reader) (bool, error) {
		if name != "data.tar.zst" {
			return false, nil
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return false, rerr.Wrap(rerr.IO, "read data.tar.zst", r.path, err)
		}
		compressed = data
		found = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return rerr.Wrap(rerr.InvalidSpec, "extract archive", r.path, fmt.Errorf("archive has no data.tar.zst member"))
	}

	dataTar, err := decompressZstd(compressed)
	if err != nil {
		return err
	}

	tr := tar.NewReader(bytes.NewReader(dataTar))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rerr.Wrap(rerr.IO, "read data tar", r.path, err)
		}

		normalized := path.Join("/", filepath.ToSlash(hdr.Name))
		target := filepath.Join(dest, filepath.FromSlash(strings.TrimPrefix(normalized, "/")))

		if err := extractTarEntry(hdr, tr, target); err != nil {
			return rerr.Wrap(rerr.IO, "extract entry", normalized, err)
		}
	}
	return nil
}

func extractTarEntry(hdr *tar.Header, tr *tar.Reader, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode))
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, tr)
		return err
	}
}
