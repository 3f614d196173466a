package specfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSpec = `
[package]
name = "hello"
version = "2.12"
release = 1
summary = "GNU Hello World program"
license = "GPLv3+"

[sources]
source0 = { url = "http://example.org/hello-2.12.tar.gz", sha256 = "abc123" }

[depends]
glibc = ">= 2.39"

[build]
configure = "./configure --prefix=/usr"
build = "make"
install = "make DESTDIR=$ROOKPKG_DESTDIR install"

[files]
include = ["/usr/bin/hello", "/usr/share/man/man1/hello.1"]
`

func TestFromStringParsesSimpleSpec(t *testing.T) {
	spec, err := FromString(sampleSpec)
	require.NoError(t, err)
	require.Equal(t, "hello", spec.Package.Name)
	require.Equal(t, "2.12", spec.Package.Version)
	require.EqualValues(t, 1, spec.Package.Release)
	require.Equal(t, ">= 2.39", spec.Depends["glibc"])
	require.Equal(t, "2.12-1", spec.FullVersion())
}

func TestFromStringRejectsMissingName(t *testing.T) {
	_, err := FromString(`[package]
version = "1.0"
`)
	require.Error(t, err)
}

func TestFromStringRejectsSourceWithoutChecksum(t *testing.T) {
	_, err := FromString(`
[package]
name = "x"
version = "1.0"

[sources]
source0 = { url = "http://example.org/x.tar.gz" }
`)
	require.Error(t, err)
}

func TestDefaultReleaseAndPatchStrip(t *testing.T) {
	spec, err := FromString(`
[package]
name = "x"
version = "1.0"

[patches]
p0 = { file = "fix.patch" }
`)
	require.NoError(t, err)
	require.EqualValues(t, 1, spec.Package.Release)
	require.EqualValues(t, 1, spec.Patches["p0"].Strip)
}

func TestArchiveName(t *testing.T) {
	spec, err := FromString(`
[package]
name = "hello"
version = "2.12"
release = 3
`)
	require.NoError(t, err)
	require.Equal(t, "hello-2.12-3.x86_64.rookpkg", spec.ArchiveName("x86_64"))
}
