package kfpkg

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePackage builds a .kfpkg on disk from a manifest string and named
// payloads.
func writePackage(t *testing.T, manifest string, payloads map[string][]byte) string {
	t.Helper()

	name := filepath.Join(t.TempDir(), "test.kfpkg")
	f, err := os.Create(name)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(ManifestName)
	require.NoError(t, err)
	_, err = w.Write([]byte(manifest))
	require.NoError(t, err)

	for entryName, data := range payloads {
		w, err := zw.Create(entryName)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	return name
}

func TestOpen_ValidPackage(t *testing.T) {
	manifest := `{
		"version": "0.1.1",
		"files": [
			{"address": 0, "bin": "firmware.bin", "sha256Prefix": true},
			{"address": 4194304, "bin": "assets/data.bin", "sha256Prefix": false, "reverse4Bytes": true}
		]
	}`
	name := writePackage(t, manifest, map[string][]byte{
		"firmware.bin":    {0x01, 0x02, 0x03},
		"assets/data.bin": {0xAA, 0xBB},
	})

	pkg, err := Open(name)
	require.NoError(t, err)
	defer pkg.Close()

	require.Len(t, pkg.Files, 2)

	first := pkg.Files[0]
	assert.Equal(t, uint32(0), first.Address)
	assert.Equal(t, "firmware.bin", first.Name)
	assert.True(t, first.SHA256Prefix)
	assert.False(t, first.Reverse4Bytes)
	assert.Equal(t, uint64(3), first.Size())

	second := pkg.Files[1]
	assert.Equal(t, uint32(0x400000), second.Address)
	assert.True(t, second.Reverse4Bytes)

	data, err := first.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
}

func TestOpen_PreservesListingOrder(t *testing.T) {
	manifest := `{
		"version": "0.1.0",
		"files": [
			{"address": 3, "bin": "c.bin"},
			{"address": 1, "bin": "a.bin"},
			{"address": 2, "bin": "b.bin"}
		]
	}`
	name := writePackage(t, manifest, map[string][]byte{
		"a.bin": {1}, "b.bin": {2}, "c.bin": {3},
	})

	pkg, err := Open(name)
	require.NoError(t, err)
	defer pkg.Close()

	var addrs []uint32
	for _, f := range pkg.Files {
		addrs = append(addrs, f.Address)
	}
	assert.Equal(t, []uint32{3, 1, 2}, addrs)
}

func TestOpen_UnsupportedVersion(t *testing.T) {
	manifest := `{"version": "0.2.0", "files": []}`
	name := writePackage(t, manifest, nil)

	_, err := Open(name)
	require.Error(t, err)

	var verr *UnsupportedVersionError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "0.2.0", verr.Version)
}

func TestOpen_MissingManifest(t *testing.T) {
	name := filepath.Join(t.TempDir(), "empty.kfpkg")
	f, err := os.Create(name)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("something.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte{0x00})
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Open(name)
	assert.ErrorContains(t, err, ManifestName)
}

func TestOpen_MissingListedFile(t *testing.T) {
	manifest := `{"version": "0.1.0", "files": [{"address": 0, "bin": "ghost.bin"}]}`
	name := writePackage(t, manifest, nil)

	_, err := Open(name)
	assert.ErrorContains(t, err, "ghost.bin")
}

func TestOpen_MalformedManifest(t *testing.T) {
	name := writePackage(t, `{"version": `, nil)

	_, err := Open(name)
	assert.Error(t, err)
}

func TestOpen_NotAZip(t *testing.T) {
	name := filepath.Join(t.TempDir(), "bogus.kfpkg")
	require.NoError(t, os.WriteFile(name, []byte("not a zip"), 0o644))

	_, err := Open(name)
	assert.Error(t, err)
}

func TestFlashFile_LazyOpen(t *testing.T) {
	manifest := `{"version": "0.1.0", "files": [{"address": 0, "bin": "fw.bin"}]}`
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}
	name := writePackage(t, manifest, map[string][]byte{"fw.bin": payload})

	pkg, err := Open(name)
	require.NoError(t, err)
	defer pkg.Close()

	rc, err := pkg.Files[0].Open()
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 4)
	_, err = rc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, buf)
}
