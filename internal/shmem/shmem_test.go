/*
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
 */

package shmem

import (
	"fmt"
	"os"
	"testing"
	"time"
	"unsafe"
)

func TestCreateAttachRoundTrip(t *testing.T) {
	name := fmt.Sprintf("test-rt-%d", time.Now().UnixNano())
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer seg.Close()

	if seg.Size() != 4096 {
		t.Fatalf("data size = %d, want 4096", seg.Size())
	}

	// Write through the creator mapping, read through an attachment.
	*(*uint64)(seg.Data()) = 0xdeadbeef
	att, err := Attach(seg.Path, 4096)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if got := *(*uint64)(att.Data()); got != 0xdeadbeef {
		t.Fatalf("attached view reads %#x, want 0xdeadbeef", got)
	}

	// Writes propagate the other way too.
	*(*uint64)(unsafe.Add(att.Data(), 8)) = 7
	if got := *(*uint64)(unsafe.Add(seg.Data(), 8)); got != 7 {
		t.Fatalf("creator view reads %d, want 7", got)
	}
	if err := att.Close(); err != nil {
		t.Fatalf("attach close failed: %v", err)
	}
}

func TestCreatorUnlinks(t *testing.T) {
	seg, err := Create("", 4096)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	path := seg.Path
	if len(path) >= PathMax {
		t.Fatalf("generated path %q exceeds PathMax", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("segment missing while open: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("segment %s not unlinked by creator", path)
	}
}

func TestAttachValidation(t *testing.T) {
	name := fmt.Sprintf("test-val-%d", time.Now().UnixNano())
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer seg.Close()

	if _, err := Attach(seg.Path, 8192); err == nil {
		t.Fatal("size mismatch accepted")
	}
	if _, err := Attach(seg.Path+"-missing", 4096); err == nil {
		t.Fatal("missing segment accepted")
	}

	// A foreign file must be rejected by the magic check.
	f, err := os.CreateTemp("", "collnet-foreign")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if err := f.Truncate(HeaderSize + 64); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	if _, err := Attach(f.Name(), 64); err == nil {
		t.Fatal("foreign file accepted")
	}
}

func TestCreateExclusive(t *testing.T) {
	name := fmt.Sprintf("test-excl-%d", time.Now().UnixNano())
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer seg.Close()

	if _, err := Create(name, 4096); err == nil {
		t.Fatal("duplicate create accepted")
	}
}
