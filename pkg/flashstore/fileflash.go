// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// image is the on-disk CBOR form of a flash array. Only programmed pages are
// stored.
type image struct {
	Size     uint32            `cbor:"1,keyasint"`
	PageSize uint32            `cbor:"2,keyasint"`
	Pages    map[uint32][]byte `cbor:"3,keyasint"`
}

// FileFlash is a MemFlash backed by a CBOR image file. Changes are written
// back on Sync.
type FileFlash struct {
	*MemFlash
	path string
}

// OpenFileFlash loads the image at path, or starts an erased array of the
// default geometry if the file does not exist yet.
func OpenFileFlash(path string) (*FileFlash, error) {
	f := &FileFlash{MemFlash: NewMemFlash(0, 0), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read flash image: %w", err)
	}

	var img image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decode flash image %s: %w", path, err)
	}
	if img.Size == 0 || img.PageSize == 0 {
		return nil, fmt.Errorf("flash image %s: invalid geometry %d/%d", path, img.Size, img.PageSize)
	}
	f.MemFlash = NewMemFlash(img.Size, img.PageSize)
	for start, page := range img.Pages {
		if start%img.PageSize != 0 || uint32(len(page)) != img.PageSize || start >= img.Size {
			return nil, fmt.Errorf("flash image %s: malformed page at 0x%04X", path, start)
		}
		f.pages[start] = page
	}
	return f, nil
}

// Path returns the image file path.
func (f *FileFlash) Path() string {
	return f.path
}

// Sync writes the image file.
func (f *FileFlash) Sync() error {
	f.mu.Lock()
	img := image{Size: f.size, PageSize: f.pageSize, Pages: make(map[uint32][]byte, len(f.pages))}
	for start, page := range f.pages {
		img.Pages[start] = append([]byte(nil), page...)
	}
	f.mu.Unlock()

	data, err := cbor.Marshal(img)
	if err != nil {
		return fmt.Errorf("encode flash image: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write flash image: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("write flash image: %w", err)
	}
	return nil
}
