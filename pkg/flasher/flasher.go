// Copyright 2026 The Takeover Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flasher streams the staged OS image to the target block device
// and verifies the write by sampled re-read hashing.
package flasher

import (
	"crypto/sha256"
	"io"
	"math/rand"
	"os"

	"golang.org/x/sys/unix"

	"github.com/balena-os/takeover/internal/migerr"
)

// ChunkSize is the suggested write granularity from the spec.
const ChunkSize = 1 << 20 // 1 MiB

// FsyncEvery issues an fsync after this many chunks, bounding how much
// unflushed data a crash mid-write could lose.
const FsyncEvery = 16

// VerifySampleWindows is the number of random 1 MiB windows sampled during
// verification, in addition to the first and last megabyte.
const VerifySampleWindows = 64

// OpenTarget opens device exclusively for writing, as required before
// Stage 2 may begin streaming the image; O_EXCL enforces that no other
// opener (e.g. a lingering mount) holds it.
func OpenTarget(device string) (*os.File, error) {
	fd, err := unix.Open(device, unix.O_WRONLY|unix.O_EXCL, 0)
	if err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to open target device exclusively: "+device)
	}
	return os.NewFile(uintptr(fd), device), nil
}

// Write streams src to dst in ChunkSize chunks, fsyncing periodically and
// treating short writes as fatal. Returns the total bytes written.
func Write(dst *os.File, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	var chunks int

	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			if werr != nil {
				return total, migerr.Wrap(migerr.Io, werr, "write to target device failed")
			}
			if written != n {
				return total, migerr.New(migerr.Io, "short write to target device")
			}
			total += int64(written)
			chunks++
			if chunks%FsyncEvery == 0 {
				if err := dst.Sync(); err != nil {
					return total, migerr.Wrap(migerr.Io, err, "periodic fsync failed")
				}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return total, migerr.Wrap(migerr.Io, err, "read from image failed")
		}
	}

	if err := dst.Sync(); err != nil {
		return total, migerr.Wrap(migerr.Io, err, "final fsync failed")
	}

	return total, nil
}

// Verify re-reads VerifySampleWindows random 1 MiB windows plus the first
// and last megabyte of both src and dst, comparing hashes. It returns a nil
// error only if every sampled window matches.
func Verify(srcPath, dstPath string, totalSize int64) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to reopen image for verification")
	}
	defer src.Close()

	dst, err := os.Open(dstPath)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to reopen target device for verification")
	}
	defer dst.Close()

	offsets := sampleOffsets(totalSize)
	for _, off := range offsets {
		srcHash, err := hashWindow(src, off, ChunkSize)
		if err != nil {
			return migerr.Wrap(migerr.WriteVerify, err, "failed to hash source window")
		}
		dstHash, err := hashWindow(dst, off, ChunkSize)
		if err != nil {
			return migerr.Wrap(migerr.WriteVerify, err, "failed to hash target window")
		}
		if srcHash != dstHash {
			return migerr.New(migerr.WriteVerify, "verification mismatch at offset")
		}
	}

	return nil
}

func sampleOffsets(totalSize int64) []int64 {
	if totalSize <= 0 {
		return nil
	}

	offsets := map[int64]bool{0: true}
	if totalSize > ChunkSize {
		offsets[totalSize-ChunkSize] = true
	}

	maxStart := totalSize - ChunkSize
	if maxStart < 0 {
		maxStart = 0
	}
	for i := 0; i < VerifySampleWindows && maxStart > 0; i++ {
		offsets[rand.Int63n(maxStart+1)] = true
	}

	out := make([]int64, 0, len(offsets))
	for off := range offsets {
		out = append(out, off)
	}
	return out
}

func hashWindow(f *os.File, offset int64, size int64) (string, error) {
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return "", err
	}
	h := sha256.Sum256(buf[:n])
	return string(h[:]), nil
}
