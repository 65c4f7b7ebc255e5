// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package artifact maintains the on-disk cache of release archives rooted at
// the product slug.
package artifact

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/stream"
)

var (
	ErrLayout      = errors.New("archive must contain exactly one top-level folder")
	ErrUnsafePath  = errors.New("archive entry escapes extraction directory")
	ErrCorruptFile = errors.New("archive cannot be read")
)

// ignored top-level entries created by archiving tools
var ignoredEntries = map[string]bool{
	"__MACOSX":  true,
	".DS_Store": true,
}

// Packager rewrites upstream archives so that every entry lives under a
// single folder named after the product slug.
type Packager struct {
	scratchDir string
}

// NewPackager extracts into scratchDir/<uuid>.
func NewPackager(scratchDir string) *Packager {
	return &Packager{scratchDir: scratchDir}
}

// Repackage extracts src, locates its single top-level folder and writes
// dest with the folder's contents under slug/. The extraction directory and
// src are removed afterwards, also on failure.
func (p *Packager) Repackage(src, slug, dest string) error {
	defer os.Remove(src)

	scratch := filepath.Join(p.scratchDir, uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return errors.Wrap(err, "create scratch directory")
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn().Err(err).Str("dir", scratch).Msg("Failed to remove scratch directory")
		}
	}()

	if err := extract(src, scratch); err != nil {
		return err
	}

	root, err := topLevelFolder(scratch)
	if err != nil {
		return err
	}

	return writeArchive(root, slug, dest)
}

func extract(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return errors.Wrap(ErrCorruptFile, err.Error())
	}
	defer r.Close()

	base := filepath.Clean(dest) + string(os.PathSeparator)

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if target == filepath.Clean(dest) {
			continue
		}
		if !strings.HasPrefix(target, base) {
			return errors.Wrapf(ErrUnsafePath, "%q", f.Name)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "create directory")
			}
			continue
		case !mode.IsRegular():
			log.Debug().Str("entry", f.Name).Msg("Skipping non-regular archive entry")
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.Wrap(err, "create directory")
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return errors.Wrap(ErrCorruptFile, err.Error())
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrap(err, "create file")
	}

	if _, err := stream.Copy(out, rc); err != nil {
		out.Close()
		return errors.Wrap(ErrCorruptFile, err.Error())
	}
	return out.Close()
}

func topLevelFolder(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrap(err, "read scratch directory")
	}

	var folders []string
	for _, e := range entries {
		if ignoredEntries[e.Name()] {
			continue
		}
		if !e.IsDir() {
			log.Debug().Str("entry", e.Name()).Msg("Dropping top-level file outside the release folder")
			continue
		}
		folders = append(folders, e.Name())
	}

	if len(folders) != 1 {
		return "", errors.Wrapf(ErrLayout, "found %d", len(folders))
	}
	return filepath.Join(dir, folders[0]), nil
}

func writeArchive(root, slug, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrap(err, "create release directory")
	}

	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return errors.Wrap(err, "create archive")
	}

	zw := zip.NewWriter(out)
	files := 0

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = slug + "/" + filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = stream.Copy(w, in)
		in.Close()
		files++
		return err
	})

	if err := zw.Close(); walkErr == nil {
		walkErr = err
	}
	if err := out.Close(); walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		os.Remove(partial)
		return errors.Wrap(walkErr, "write archive")
	}

	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return errors.Wrap(err, "finalize archive")
	}

	log.Debug().Str("archive", dest).Int("files", files).Msgf("Repackaged release under %s/", slug)
	return nil
}
