/*
 *
 * Copyright 2025 The nccl-go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package shmem manages named shared-memory segments used to share host
// FIFOs and staging buffers across processes. The creator truncates and
// maps a file under /dev/shm (or the temp dir as a fallback); attachers
// map the same path. Segments carry a small header so stale or foreign
// files are rejected at attach time.
package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"
)

const (
	// SegmentMagic identifies a transport shared segment.
	SegmentMagic = "COLLSHM\x00"

	// SegmentVersion is the current layout version.
	SegmentVersion = uint32(1)

	// HeaderSize is the mapped header preceding the data area.
	HeaderSize = 64

	// PathMax bounds the path carried inside serialized descriptors.
	PathMax = 64
)

// header sits at offset 0 of every segment.
type header struct {
	magic    [8]byte
	version  uint32
	pad      uint32
	dataSize uint64
	reserved [40]byte
}

// Segment is one created or attached shared-memory mapping.
type Segment struct {
	Path    string
	Mem     []byte
	creator bool
	file    *os.File
}

// Data returns the base pointer of the segment's data area.
func (s *Segment) Data() unsafe.Pointer {
	return unsafe.Pointer(&s.Mem[HeaderSize])
}

// Size returns the data-area size in bytes.
func (s *Segment) Size() int {
	return len(s.Mem) - HeaderSize
}

func (s *Segment) hdr() *header {
	return (*header)(unsafe.Pointer(&s.Mem[0]))
}

func segmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create builds a new segment of size data bytes. An empty name picks a
// unique one derived from the pid. The returned path fits in PathMax and
// is what attachers pass to Attach.
func Create(name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmem: invalid segment size %d", size)
	}
	if name == "" {
		name = fmt.Sprintf("collnet-%d-%d", os.Getpid(), segSeq.Add(1))
	}
	path := filepath.Join(segmentDir(), "collnet_shm_"+name)
	if len(path) >= PathMax {
		return nil, fmt.Errorf("shmem: segment path too long: %s", path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmem: create %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	total := int64(HeaderSize + size)
	if err := file.Truncate(total); err != nil {
		cleanup()
		return nil, fmt.Errorf("shmem: resize %s: %w", path, err)
	}
	mem, err := mapFile(file, int(total))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shmem: map %s: %w", path, err)
	}

	seg := &Segment{Path: path, Mem: mem, creator: true, file: file}
	h := seg.hdr()
	copy(h.magic[:], SegmentMagic)
	h.dataSize = uint64(size)
	atomic.StoreUint32(&h.version, SegmentVersion)
	return seg, nil
}

var segSeq atomic.Uint64

// Attach maps an existing segment and validates its header against the
// expected data size.
func Attach(path string, size int) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: stat %s: %w", path, err)
	}
	total := int(info.Size())
	if total < HeaderSize+size {
		file.Close()
		return nil, fmt.Errorf("shmem: segment %s too small: %d bytes", path, total)
	}
	mem, err := mapFile(file, total)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: map %s: %w", path, err)
	}

	seg := &Segment{Path: path, Mem: mem, file: file}
	h := seg.hdr()
	if string(h.magic[:]) != SegmentMagic {
		seg.Close()
		return nil, fmt.Errorf("shmem: %s: bad magic", path)
	}
	if v := atomic.LoadUint32(&h.version); v != SegmentVersion {
		seg.Close()
		return nil, fmt.Errorf("shmem: %s: unsupported version %d", path, v)
	}
	if h.dataSize != uint64(size) {
		seg.Close()
		return nil, fmt.Errorf("shmem: %s: size mismatch: have %d want %d", path, h.dataSize, size)
	}
	return seg, nil
}

// Close unmaps the segment. The creator also unlinks the backing file: the
// name disappears at once, and attachers keep their existing mappings
// until they close.
func (s *Segment) Close() error {
	var firstErr error
	if s.Mem != nil {
		if err := unmapFile(s.Mem); err != nil {
			firstErr = err
		}
		s.Mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	if s.creator {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
