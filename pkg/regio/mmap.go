// Copyright 2024 The gVisor Authors.
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

package regio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"xrt.dev/kds/pkg/cleanup"
	"xrt.dev/kds/pkg/log"
)

// Mapping is a Device backed by a shared mapping of a file, typically a PCI
// BAR exposed as /sys/bus/pci/devices/<bdf>/resource<N>.
//
// The file is locked for the lifetime of the mapping so that two schedulers
// never drive the same card.
type Mapping struct {
	path  string
	lock  *flock.Flock
	data  []byte
	words []uint32
}

// OpenMmap maps size bytes of the file at path. The file must not be locked
// by another process.
func OpenMmap(path string, size int) (*Mapping, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("mapping size %d is not a positive multiple of 4", size)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("register file %q is in use by another process", path)
	}
	cu := cleanup.Make(func() { lock.Unlock() })
	defer cu.Clean()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q (%d bytes): %w", path, size, err)
	}
	cu.Release()
	log.Infof("Mapped %d bytes of register space from %q", size, path)
	return &Mapping{
		path:  path,
		lock:  lock,
		data:  data,
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), size/4),
	}, nil
}

// Close unmaps the register space and releases the file lock.
func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data, m.words = nil, nil
	if uerr := m.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func (m *Mapping) word(addr uint32) *uint32 {
	if addr%4 != 0 || int(addr/4) >= len(m.words) {
		panic(fmt.Sprintf("register access at %#x outside %q mapping", addr, m.path))
	}
	return &m.words[addr/4]
}

// Read32 implements Device.Read32.
func (m *Mapping) Read32(addr uint32) uint32 {
	return atomic.LoadUint32(m.word(addr))
}

// Write32 implements Device.Write32.
func (m *Mapping) Write32(addr, v uint32) {
	atomic.StoreUint32(m.word(addr), v)
}

// WriteBlock implements Device.WriteBlock.
func (m *Mapping) WriteBlock(addr uint32, words []uint32) {
	for i, w := range words {
		atomic.StoreUint32(m.word(addr+uint32(i)*4), w)
	}
}
