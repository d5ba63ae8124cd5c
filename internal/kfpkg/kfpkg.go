// Package kfpkg reads Kendryte flash packages: a zip archive with a
// flash-list.json manifest and one binary payload per listed file.
package kfpkg

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path"
)

// ManifestName is the manifest's path at the archive root.
const ManifestName = "flash-list.json"

// supportedVersions whitelists manifest schema versions.
var supportedVersions = map[string]bool{
	"0.1.0": true,
	"0.1.1": true,
}

// UnsupportedVersionError reports a manifest version outside the whitelist.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("kfpkg: unsupported flash-list version %q", e.Version)
}

// manifest mirrors flash-list.json.
type manifest struct {
	Version string `json:"version"`
	Files   []struct {
		Address       uint32 `json:"address"`
		Bin           string `json:"bin"`
		SHA256Prefix  bool   `json:"sha256Prefix"`
		Reverse4Bytes bool   `json:"reverse4Bytes"`
	} `json:"files"`
}

// FlashFile is one entry of the package. It borrows the package's archive
// and is valid only while the package is open.
type FlashFile struct {
	Address       uint32
	Name          string
	SHA256Prefix  bool
	Reverse4Bytes bool

	entry *zip.File
}

// Size returns the uncompressed payload size.
func (f *FlashFile) Size() uint64 {
	return f.entry.UncompressedSize64
}

// Open returns the entry's byte stream. The caller closes it.
func (f *FlashFile) Open() (io.ReadCloser, error) {
	return f.entry.Open()
}

// Bytes reads the whole payload into memory.
func (f *FlashFile) Bytes() ([]byte, error) {
	rc, err := f.entry.Open()
	if err != nil {
		return nil, fmt.Errorf("kfpkg: open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("kfpkg: read %s: %w", f.Name, err)
	}
	return data, nil
}

// Package is an opened .kfpkg archive. Close releases the archive and
// invalidates every FlashFile.
type Package struct {
	rc    *zip.ReadCloser
	Files []*FlashFile
}

// Open opens the archive read-only, parses and validates the manifest,
// and resolves every listed bin path to its zip entry. Files keep the
// manifest's order.
func Open(name string) (*Package, error) {
	rc, err := zip.OpenReader(name)
	if err != nil {
		return nil, fmt.Errorf("kfpkg: open %s: %w", name, err)
	}

	pkg, err := load(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return pkg, nil
}

func load(rc *zip.ReadCloser) (*Package, error) {
	entries := make(map[string]*zip.File, len(rc.File))
	for _, f := range rc.File {
		entries[path.Clean(f.Name)] = f
	}

	listEntry, ok := entries[ManifestName]
	if !ok {
		return nil, fmt.Errorf("kfpkg: %s not found in archive", ManifestName)
	}

	listRC, err := listEntry.Open()
	if err != nil {
		return nil, fmt.Errorf("kfpkg: open %s: %w", ManifestName, err)
	}
	defer listRC.Close()

	var m manifest
	if err := json.NewDecoder(listRC).Decode(&m); err != nil {
		return nil, fmt.Errorf("kfpkg: parse %s: %w", ManifestName, err)
	}

	if !supportedVersions[m.Version] {
		return nil, &UnsupportedVersionError{Version: m.Version}
	}

	pkg := &Package{rc: rc}
	for _, f := range m.Files {
		entry, ok := entries[path.Clean(f.Bin)]
		if !ok {
			return nil, fmt.Errorf("kfpkg: listed file %s not found in archive", f.Bin)
		}
		pkg.Files = append(pkg.Files, &FlashFile{
			Address:       f.Address,
			Name:          f.Bin,
			SHA256Prefix:  f.SHA256Prefix,
			Reverse4Bytes: f.Reverse4Bytes,
			entry:         entry,
		})
	}

	return pkg, nil
}

// Close releases the archive.
func (p *Package) Close() error {
	return p.rc.Close()
}
