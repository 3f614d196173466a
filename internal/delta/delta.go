// Package delta builds and applies binary deltas between two versions of
// the same package, so an upgrade can download a small patch instead of
// a full archive. See spec.md §3.1 "Delta Package" and §4.6 "Delta
// Engine".
package delta

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/zstd"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// Extension is the canonical delta file suffix.
const Extension = ".rookdelta"

// InfoFile is the delta metadata member name inside the delta archive.
const InfoFile = ".DELTAINFO"

// DataMember is the compressed binary diff member name.
const DataMember = "data.delta.zst"

// BlockSize is the fixed block boundary the block-diff scan hashes
// against. spec.md §9's Open Question on delta alignment is resolved by
// keeping the original's fixed-boundary scan rather than a rolling hash.
const BlockSize = 4096

// MinSavingsPercent is the minimum size reduction a delta must achieve
// relative to the full new package before it is considered worthwhile.
const MinSavingsPercent = 10.0

// magic is the framing header for the serialized delta operation stream.
var magic = []byte("ROOKDELTA\x01")

// Algorithm names the diff strategy used to produce a delta.
type Algorithm string

const (
	AlgorithmBsdiff Algorithm = "bsdiff"
	AlgorithmXdelta Algorithm = "xdelta"
)

// Info is the .DELTAINFO metadata table, spec.md §3.1 "Delta Package".
type Info struct {
	Name       string    `toml:"name"`
	OldVersion string    `toml:"old_version"`
	OldRelease uint32    `toml:"old_release"`
	NewVersion string    `toml:"new_version"`
	NewRelease uint32    `toml:"new_release"`
	Arch       string    `toml:"arch"`
	OldSHA256  string    `toml:"old_sha256"`
	NewSHA256  string    `toml:"new_sha256"`
	OldSize    uint64    `toml:"old_size"`
	NewSize    uint64    `toml:"new_size"`
	DeltaSize  uint64    `toml:"delta_size"`
	Created    int64     `toml:"created"`
	Algorithm  Algorithm `toml:"algorithm"`
}

// Filename returns {name}-{old_version}-{old_release}_to_{new_version}-{new_release}.{arch}.rookdelta.
func (i *Info) Filename() string {
	return fmt.Sprintf("%s-%s-%d_to_%s-%d.%s%s",
		i.Name, i.OldVersion, i.OldRelease, i.NewVersion, i.NewRelease, i.Arch, Extension)
}

// SavingsPercent is the fraction of the full new package size this delta
// avoids transferring.
func (i *Info) SavingsPercent() float64 {
	if i.NewSize == 0 {
		return 0
	}
	return (float64(i.NewSize) - float64(i.DeltaSize)) / float64(i.NewSize) * 100
}

// IsWorthwhile reports whether this delta clears MinSavingsPercent.
func (i *Info) IsWorthwhile() bool {
	return i.SavingsPercent() >= MinSavingsPercent
}

type opKind byte

const (
	opCopy   opKind = 0x01
	opInsert opKind = 0x02
)

type op struct {
	kind   opKind
	offset uint64
	length uint64
	data   []byte
}

// NotWorthwhileError is returned by Build when the computed delta does
// not clear MinSavingsPercent against the full new package size.
type NotWorthwhileError struct {
	SavingsPercent float64
}

func (e *NotWorthwhileError) Error() string {
	return fmt.Sprintf("delta not worthwhile: only %.1f%% savings (minimum %.0f%%)", e.SavingsPercent, MinSavingsPercent)
}

// Builder computes and packages a delta between two archive versions.
type Builder struct {
	oldPath string
	newPath string
	oldInfo *archive.Info
	newInfo *archive.Info
}

// NewBuilder opens both archives, reads their .PKGINFO, and checks that
// they describe the same package on the same architecture.
func NewBuilder(oldPackage, newPackage string) (*Builder, error) {
	oldReader, err := archive.Open(oldPackage)
	if err != nil {
		return nil, err
	}
	newReader, err := archive.Open(newPackage)
	if err != nil {
		return nil, err
	}

	oldInfo, err := oldReader.ReadInfo()
	if err != nil {
		return nil, err
	}
	newInfo, err := newReader.ReadInfo()
	if err != nil {
		return nil, err
	}

	if oldInfo.Name != newInfo.Name {
		return nil, rerr.Wrap(rerr.InvalidSpec, "build delta", oldPackage,
			fmt.Errorf("package names don't match: %s vs %s", oldInfo.Name, newInfo.Name))
	}
	if oldInfo.Arch != newInfo.Arch {
		return nil, rerr.Wrap(rerr.InvalidSpec, "build delta", oldPackage,
			fmt.Errorf("package architectures don't match: %s vs %s", oldInfo.Arch, newInfo.Arch))
	}

	return &Builder{oldPath: oldPackage, newPath: newPackage, oldInfo: oldInfo, newInfo: newInfo}, nil
}

// Build produces a .rookdelta file in outputDir, returning its path. It
// returns a *NotWorthwhileError (use errors.As) if the savings threshold
// isn't met rather than silently emitting an oversized delta.
func (b *Builder) Build(outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", rerr.Wrap(rerr.IO, "create delta output directory", outputDir, err)
	}

	oldDataZst, err := extractRawMember(b.oldPath, "data.tar.zst")
	if err != nil {
		return "", err
	}
	newDataZst, err := extractRawMember(b.newPath, "data.tar.zst")
	if err != nil {
		return "", err
	}

	oldSHA256, err := sha256File(b.oldPath)
	if err != nil {
		return "", err
	}
	newSHA256, err := sha256File(b.newPath)
	if err != nil {
		return "", err
	}
	oldSize, err := fileSize(b.oldPath)
	if err != nil {
		return "", err
	}
	newSize, err := fileSize(b.newPath)
	if err != nil {
		return "", err
	}

	ops := computeBlockDiff(oldDataZst, newDataZst)

	outputSum := sha256.Sum256(newDataZst)
	serialized := serializeDelta(ops, uint64(len(newDataZst)), outputSum[:])

	compressed, err := compressZstd(serialized, 19)
	if err != nil {
		return "", err
	}

	estimatedSavings := 0.0
	if newSize > 0 {
		estimatedSavings = (float64(newSize) - float64(len(compressed))) / float64(newSize) * 100
	}
	if estimatedSavings < MinSavingsPercent {
		return "", &NotWorthwhileError{SavingsPercent: estimatedSavings}
	}

	info := &Info{
		Name:       b.newInfo.Name,
		OldVersion: b.oldInfo.Version,
		OldRelease: b.oldInfo.Release,
		NewVersion: b.newInfo.Version,
		NewRelease: b.newInfo.Release,
		Arch:       b.newInfo.Arch,
		OldSHA256:  oldSHA256,
		NewSHA256:  newSHA256,
		OldSize:    oldSize,
		NewSize:    newSize,
		Created:    time.Now().UTC().Unix(),
		Algorithm:  AlgorithmBsdiff,
	}

	outputPath := filepath.Join(outputDir, info.Filename())
	if err := writeDeltaArchive(outputPath, info, compressed); err != nil {
		return "", err
	}

	finalSize, err := fileSize(outputPath)
	if err != nil {
		return "", err
	}
	info.DeltaSize = finalSize
	// DeltaSize is set on this local Info only; Build does not return it,
	// and the persisted .DELTAINFO predates this assignment (it carries
	// delta_size 0) since the final archive size isn't known until after
	// it's written, matching the original.

	return outputPath, nil
}

// computeBlockDiff indexes old's BlockSize-aligned blocks by FNV-1a hash,
// then slides a BlockSize window over new one byte at a time on a miss,
// looking each window up in that index; a verified hit is extended
// forward byte-by-byte, and unmatched bytes become literal inserts. Only
// old is aligned: a match must start on a block boundary in old, so a
// shared region at a non-boundary offset in old loses up to one block to
// inserts before the next boundary-aligned match.
func computeBlockDiff(old, new []byte) []op {
	blockIndex := map[uint64][]int{}
	for i := 0; i < len(old); i += BlockSize {
		end := i + BlockSize
		if end > len(old) {
			end = len(old)
		}
		h := hashBlock(old[i:end])
		blockIndex[h] = append(blockIndex[h], i)
	}

	var ops []op
	var pendingInsert []byte
	newPos := 0

	flushInsert := func() {
		if len(pendingInsert) > 0 {
			ops = append(ops, op{kind: opInsert, data: pendingInsert})
			pendingInsert = nil
		}
	}

	for newPos < len(new) {
		end := newPos + BlockSize
		if end > len(new) {
			end = len(new)
		}
		blockLen := end - newPos
		newBlock := new[newPos:end]
		h := hashBlock(newBlock)

		found := false
		for _, oldPos := range blockIndex[h] {
			oldEnd := oldPos + blockLen
			if oldEnd > len(old) {
				oldEnd = len(old)
			}
			if oldEnd-oldPos != blockLen || !bytes.Equal(old[oldPos:oldEnd], newBlock) {
				continue
			}

			flushInsert()

			matchLen := blockLen
			for newPos+matchLen < len(new) && oldPos+matchLen < len(old) &&
				new[newPos+matchLen] == old[oldPos+matchLen] {
				matchLen++
			}

			ops = append(ops, op{kind: opCopy, offset: uint64(oldPos), length: uint64(matchLen)})
			newPos += matchLen
			found = true
			break
		}

		if !found {
			pendingInsert = append(pendingInsert, new[newPos])
			newPos++
		}
	}
	flushInsert()

	return mergeOps(ops)
}

func hashBlock(data []byte) uint64 {
	var h uint64 = 0xcbf29ce484222325
	for _, b := range data {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	return h
}

func mergeOps(ops []op) []op {
	var merged []op
	for _, o := range ops {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			switch {
			case last.kind == opInsert && o.kind == opInsert:
				last.data = append(last.data, o.data...)
				continue
			case last.kind == opCopy && o.kind == opCopy && last.offset+last.length == o.offset:
				last.length += o.length
				continue
			}
		}
		merged = append(merged, o)
	}
	return merged
}

func serializeDelta(ops []op, outputSize uint64, outputSHA256 []byte) []byte {
	var buf bytes.Buffer
	buf.Write(magic)

	var sizeBuf [8]byte
	putUint64LE(sizeBuf[:], outputSize)
	buf.Write(sizeBuf[:])

	buf.Write(outputSHA256)

	var countBuf [4]byte
	putUint32LE(countBuf[:], uint32(len(ops)))
	buf.Write(countBuf[:])

	for _, o := range ops {
		switch o.kind {
		case opCopy:
			buf.WriteByte(byte(opCopy))
			var off, ln [8]byte
			putUint64LE(off[:], o.offset)
			putUint64LE(ln[:], o.length)
			buf.Write(off[:])
			buf.Write(ln[:])
		case opInsert:
			buf.WriteByte(byte(opInsert))
			var ln [8]byte
			putUint64LE(ln[:], uint64(len(o.data)))
			buf.Write(ln[:])
			buf.Write(o.data)
		}
	}
	return buf.Bytes()
}

func parseDelta(data []byte) ([]op, uint64, []byte, error) {
	if len(data) < 10 || !bytes.Equal(data[0:10], magic) {
		return nil, 0, nil, rerr.Wrap(rerr.InvalidSpec, "parse delta", "", fmt.Errorf("invalid delta file format"))
	}
	pos := 10

	if pos+8 > len(data) {
		return nil, 0, nil, truncated()
	}
	outputSize := getUint64LE(data[pos : pos+8])
	pos += 8

	if pos+32 > len(data) {
		return nil, 0, nil, truncated()
	}
	outputSHA256 := append([]byte(nil), data[pos:pos+32]...)
	pos += 32

	if pos+4 > len(data) {
		return nil, 0, nil, truncated()
	}
	opCount := int(getUint32LE(data[pos : pos+4]))
	pos += 4

	ops := make([]op, 0, opCount)
	for n := 0; n < opCount; n++ {
		if pos >= len(data) {
			return nil, 0, nil, truncated()
		}
		switch opKind(data[pos]) {
		case opCopy:
			pos++
			if pos+16 > len(data) {
				return nil, 0, nil, truncated()
			}
			offset := getUint64LE(data[pos : pos+8])
			pos += 8
			length := getUint64LE(data[pos : pos+8])
			pos += 8
			ops = append(ops, op{kind: opCopy, offset: offset, length: length})
		case opInsert:
			pos++
			if pos+8 > len(data) {
				return nil, 0, nil, truncated()
			}
			length := int(getUint64LE(data[pos : pos+8]))
			pos += 8
			if pos+length > len(data) {
				return nil, 0, nil, truncated()
			}
			ops = append(ops, op{kind: opInsert, data: append([]byte(nil), data[pos:pos+length]...)})
			pos += length
		default:
			return nil, 0, nil, rerr.Wrap(rerr.InvalidSpec, "parse delta", "", fmt.Errorf("unknown delta operation: 0x%02x", data[pos]))
		}
	}

	return ops, outputSize, outputSHA256, nil
}

func truncated() error {
	return rerr.Wrap(rerr.InvalidSpec, "parse delta", "", fmt.Errorf("delta file truncated"))
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putUint32LE(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint32LE(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

func writeDeltaArchive(outputPath string, info *Info, compressedDelta []byte) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return rerr.Wrap(rerr.IO, "create delta archive", outputPath, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	var infoBuf bytes.Buffer
	if err := toml.NewEncoder(&infoBuf).Encode(info); err != nil {
		return rerr.Wrap(rerr.IO, "encode delta metadata", outputPath, err)
	}
	if err := addTarMember(tw, InfoFile, infoBuf.Bytes()); err != nil {
		return err
	}
	return addTarMember(tw, DataMember, compressedDelta)
}

func addTarMember(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return rerr.Wrap(rerr.IO, "write delta member header", name, err)
	}
	_, err := tw.Write(data)
	return err
}

// Applier reconstructs a new package archive from an old archive and a
// delta file.
type Applier struct {
	oldPath   string
	deltaPath string
	info      *Info
}

// NewApplier reads .DELTAINFO from deltaFile and verifies oldPackage's
// checksum matches the delta's recorded source checksum.
func NewApplier(oldPackage, deltaFile string) (*Applier, error) {
	info, err := ReadDeltaInfo(deltaFile)
	if err != nil {
		return nil, err
	}

	oldSHA256, err := sha256File(oldPackage)
	if err != nil {
		return nil, err
	}
	if oldSHA256 != info.OldSHA256 {
		return nil, rerr.Wrap(rerr.ChecksumMismatch, "apply delta", oldPackage,
			fmt.Errorf("old package checksum mismatch: expected %s, got %s", info.OldSHA256, oldSHA256))
	}

	return &Applier{oldPath: oldPackage, deltaPath: deltaFile, info: info}, nil
}

// Info returns the delta's metadata.
func (a *Applier) Info() *Info {
	return a.info
}

// ReadDeltaInfo parses .DELTAINFO out of a .rookdelta file without
// applying it, so callers can check its version fields first. Deltas
// written by Build store delta_size 0, so IsWorthwhile on the returned
// Info reports true for them.
func ReadDeltaInfo(deltaPath string) (*Info, error) {
	raw, err := extractRawMember(deltaPath, InfoFile)
	if err != nil {
		return nil, err
	}
	var info Info
	if _, err := toml.Decode(string(raw), &info); err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "parse .DELTAINFO", deltaPath, err)
	}
	return &info, nil
}

// Apply reconstructs the new package archive in outputDir and verifies
// its checksum matches the delta's recorded target checksum before
// returning its path.
func (a *Applier) Apply(outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", rerr.Wrap(rerr.IO, "create delta output directory", outputDir, err)
	}

	oldDataZst, err := extractRawMember(a.oldPath, "data.tar.zst")
	if err != nil {
		return "", err
	}

	compressedDelta, err := extractRawMember(a.deltaPath, DataMember)
	if err != nil {
		return "", err
	}
	serialized, err := decompressZstd(compressedDelta)
	if err != nil {
		return "", err
	}
	ops, outputSize, outputSHA256, err := parseDelta(serialized)
	if err != nil {
		return "", err
	}

	newDataZst, err := applyOps(ops, oldDataZst, outputSize, outputSHA256)
	if err != nil {
		return "", err
	}

	outputPath, err := a.reconstructPackage(newDataZst, outputDir)
	if err != nil {
		return "", err
	}

	newSHA256, err := sha256File(outputPath)
	if err != nil {
		return "", err
	}
	if newSHA256 != a.info.NewSHA256 {
		os.Remove(outputPath)
		return "", rerr.Wrap(rerr.ChecksumMismatch, "apply delta", outputPath,
			fmt.Errorf("reconstructed package checksum mismatch: expected %s, got %s", a.info.NewSHA256, newSHA256))
	}

	return outputPath, nil
}

func applyOps(ops []op, old []byte, outputSize uint64, outputSHA256 []byte) ([]byte, error) {
	out := make([]byte, 0, outputSize)
	for _, o := range ops {
		switch o.kind {
		case opCopy:
			start := o.offset
			end := start + o.length
			if end > uint64(len(old)) {
				return nil, rerr.Wrap(rerr.InvalidSpec, "apply delta", "",
					fmt.Errorf("delta copy operation out of bounds: %d..%d (old size %d)", start, end, len(old)))
			}
			out = append(out, old[start:end]...)
		case opInsert:
			out = append(out, o.data...)
		}
	}

	if uint64(len(out)) != outputSize {
		return nil, rerr.Wrap(rerr.InvalidSpec, "apply delta", "",
			fmt.Errorf("output size mismatch: expected %d, got %d", outputSize, len(out)))
	}

	sum := sha256.Sum256(out)
	if !bytes.Equal(sum[:], outputSHA256) {
		return nil, rerr.Wrap(rerr.ChecksumMismatch, "apply delta", "",
			fmt.Errorf("output checksum mismatch: expected %s, got %s", hex.EncodeToString(outputSHA256), hex.EncodeToString(sum[:])))
	}
	return out, nil
}

func (a *Applier) reconstructPackage(newDataZst []byte, outputDir string) (string, error) {
	oldFile, err := os.Open(a.oldPath)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "open old package", a.oldPath, err)
	}
	defer oldFile.Close()

	var pkginfo, files, install []byte
	tr := tar.NewReader(oldFile)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", rerr.Wrap(rerr.IO, "read old package", a.oldPath, err)
		}
		switch hdr.Name {
		case ".PKGINFO":
			raw, err := io.ReadAll(tr)
			if err != nil {
				return "", err
			}
			var info archive.Info
			if _, err := toml.Decode(string(raw), &info); err != nil {
				return "", rerr.Wrap(rerr.InvalidSpec, "parse .PKGINFO", a.oldPath, err)
			}
			info.Version = a.info.NewVersion
			info.Release = a.info.NewRelease
			info.BuildTime = time.Now().UTC().Unix()
			var buf bytes.Buffer
			if err := toml.NewEncoder(&buf).Encode(&info); err != nil {
				return "", err
			}
			pkginfo = buf.Bytes()
		case ".FILES":
			if files, err = io.ReadAll(tr); err != nil {
				return "", err
			}
		case ".INSTALL":
			if install, err = io.ReadAll(tr); err != nil {
				return "", err
			}
		}
	}

	outputFilename := fmt.Sprintf("%s-%s-%d.%s%s",
		a.info.Name, a.info.NewVersion, a.info.NewRelease, a.info.Arch, archive.Extension)
	outputPath := filepath.Join(outputDir, outputFilename)

	f, err := os.Create(outputPath)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "create reconstructed package", outputPath, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	if len(pkginfo) > 0 {
		if err := addTarMember(tw, ".PKGINFO", pkginfo); err != nil {
			return "", err
		}
	}
	if len(files) > 0 {
		if err := addTarMember(tw, ".FILES", files); err != nil {
			return "", err
		}
	}
	if len(install) > 0 {
		if err := addTarMember(tw, ".INSTALL", install); err != nil {
			return "", err
		}
	}
	if err := addTarMember(tw, "data.tar.zst", newDataZst); err != nil {
		return "", err
	}

	return outputPath, nil
}

func extractRawMember(archivePath, member string) ([]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "open archive", archivePath, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, rerr.Wrap(rerr.IO, "read archive", archivePath, err)
		}
		if hdr.Name == member {
			return io.ReadAll(tr)
		}
	}
	return nil, rerr.Wrap(rerr.InvalidSpec, "read archive", archivePath, fmt.Errorf("archive does not contain %s", member))
}

func compressZstd(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "create zstd encoder", "", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, rerr.Wrap(rerr.IO, "compress delta", "", err)
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

func sha256File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "hash file", p, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", rerr.Wrap(rerr.IO, "hash file", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSize(p string) (uint64, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return 0, rerr.Wrap(rerr.IO, "stat file", p, err)
	}
	return uint64(fi.Size()), nil
}
