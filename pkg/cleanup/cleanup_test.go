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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// setup runs steps in order, registering each step's undo, and stops at the
// first failure.
func setup(undone *[]string, steps []string, failAt int) (func(), error) {
	var cu Cleanup
	defer cu.Clean()
	for i, step := range steps {
		if i == failAt {
			return nil, errors.New(step + " failed")
		}
		cu.Add(func() { *undone = append(*undone, step) })
	}
	return cu.Release(), nil
}

func TestSetup(t *testing.T) {
	steps := []string{"attach", "insert", "reset"}
	for _, tc := range []struct {
		name    string
		failAt  int
		wantErr bool
		undone  []string
	}{
		{name: "success", failAt: -1},
		{name: "first step fails", failAt: 0, wantErr: true},
		{name: "last step fails", failAt: 2, wantErr: true, undone: []string{"insert", "attach"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var undone []string
			release, err := setup(&undone, steps, tc.failAt)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("setup() = %v, want error %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.undone, undone); diff != "" {
				t.Errorf("undone steps mismatch (-want +got):\n%s", diff)
			}
			if release == nil {
				return
			}
			// The released undo functions still run in reverse order.
			release()
			if diff := cmp.Diff([]string{"reset", "insert", "attach"}, undone); diff != "" {
				t.Errorf("released undo mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCleanOnce(t *testing.T) {
	n := 0
	cu := Make(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("undo ran %d times, want 1", n)
	}
}
