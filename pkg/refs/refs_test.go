// Copyright 2020 The gVisor Authors.
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

package refs

import (
	"testing"
)

func TestRefCount(t *testing.T) {
	var r AtomicRefCount
	r.InitRefs("test")
	r.IncRef()
	if got := r.ReadRefs(); got != 2 {
		t.Fatalf("ReadRefs() = %d, want 2", got)
	}

	destroyed := 0
	r.DecRef(func() { destroyed++ })
	if destroyed != 0 {
		t.Fatalf("destructor ran with a reference outstanding")
	}
	r.DecRef(func() { destroyed++ })
	if destroyed != 1 {
		t.Fatalf("destructor ran %d times, want 1", destroyed)
	}
	if r.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
	if got := r.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs() = %d after failed TryIncRef, want 0", got)
	}
}

func TestDecRefBelowZeroPanics(t *testing.T) {
	var r AtomicRefCount
	r.InitRefs("test")
	r.DecRef(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on a destroyed object did not panic")
		}
	}()
	r.DecRef(nil)
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	var held, released AtomicRefCount
	held.InitRefs("held")
	released.InitRefs("released")
	released.DecRef(nil)

	if got := DoLeakCheck(); got != 1 {
		t.Errorf("DoLeakCheck() = %d, want 1", got)
	}
	held.DecRef(nil)
	if got := DoLeakCheck(); got != 0 {
		t.Errorf("DoLeakCheck() = %d after release, want 0", got)
	}
}

func TestLeakModeFlag(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want LeakMode
	}{
		{"disabled", NoLeakChecking},
		{"warning", LeaksLogWarning},
		{"log-names", LeaksLogWarning},
		{"panic", LeaksPanic},
	} {
		var m LeakMode
		if err := m.Set(tc.in); err != nil {
			t.Errorf("Set(%q): %v", tc.in, err)
			continue
		}
		if m != tc.want {
			t.Errorf("Set(%q) = %v, want %v", tc.in, m, tc.want)
		}
	}
	var m LeakMode
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
