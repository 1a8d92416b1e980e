// Package packs bundles playbook directories into OCI artifacts and pulls
// them back into a playbook dir. A pack is a gzipped tar of runbook YAML
// plus a manifest carrying per-file SHA-256 checksums; Unpack refuses any
// file the manifest does not vouch for.
package packs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MediaTypeManifest is the OCI config blob: the pack manifest JSON.
	MediaTypeManifest = "application/vnd.detectforge.pack.manifest.v1+json"
	// MediaTypeContent is the single content layer: tar+gzip of the YAML files.
	MediaTypeContent = "application/vnd.detectforge.pack.content.v1.tar+gzip"

	artifactType = "application/vnd.detectforge.pack.v1"

	// maxUnpackedFileBytes caps a single extracted file. Playbooks are
	// small; anything near this is not one.
	maxUnpackedFileBytes = 4 << 20
)

// Manifest describes the files inside a pack.
type Manifest struct {
	Name      string            `json:"name"`
	Version   string            `json:"version,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Files     []string          `json:"files"`
	Checksums map[string]string `json:"checksums"` // file -> sha256:<hex>
}

// Packed is a playbook directory ready to push: the manifest, its JSON
// form (the OCI config blob), and the gzipped tar content layer.
type Packed struct {
	Manifest Manifest
	Config   []byte
	Content  []byte
}

// Pack collects the runbook YAML under dir (recursively, hidden directories
// skipped) into a content layer and builds the checksum manifest.
func Pack(dir string) (*Packed, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pack %s: not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("pack %s: no runbook YAML found", dir)
	}
	sort.Strings(files)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	checksums := make(map[string]string, len(files))

	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", rel, err)
		}
		sum := sha256.Sum256(data)
		checksums[rel] = "sha256:" + hex.EncodeToString(sum[:])

		hdr := &tar.Header{
			Name:    rel,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("pack %s: %w", rel, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("pack %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	m := Manifest{
		Name:      filepath.Base(dir),
		CreatedAt: time.Now().UTC(),
		Files:     files,
		Checksums: checksums,
	}
	config, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	return &Packed{Manifest: m, Config: config, Content: buf.Bytes()}, nil
}

// Unpack extracts a content layer into destDir, verifying every file
// against the manifest checksums. Files the manifest does not list, path
// traversal, and checksum mismatches all abort the extraction.
func Unpack(content []byte, m Manifest, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	defer gz.Close()

	seen := make(map[string]bool, len(m.Files))
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("unpack: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.ToSlash(hdr.Name)
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("unpack: unsafe path %q in archive", hdr.Name)
		}
		want, ok := m.Checksums[name]
		if !ok {
			return fmt.Errorf("unpack: file %q is not in the manifest", name)
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxUnpackedFileBytes+1))
		if err != nil {
			return fmt.Errorf("unpack %s: %w", name, err)
		}
		if len(data) > maxUnpackedFileBytes {
			return fmt.Errorf("unpack %s: file exceeds %d bytes", name, maxUnpackedFileBytes)
		}

		sum := sha256.Sum256(data)
		if got := "sha256:" + hex.EncodeToString(sum[:]); got != want {
			return fmt.Errorf("unpack %s: checksum mismatch (manifest %s, content %s)", name, want, got)
		}

		dest := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("unpack %s: %w", name, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("unpack %s: %w", name, err)
		}
		seen[name] = true
	}

	for _, f := range m.Files {
		if !seen[f] {
			return fmt.Errorf("unpack: manifest file %q missing from content", f)
		}
	}
	return nil
}
