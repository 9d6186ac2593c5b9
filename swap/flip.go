// Copyright 2026 Google LLC. All Rights Reserved.
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

package swap

import (
	"github.com/golang/glog"
	"github.com/google/slotboot/api"
)

// flipper swaps by reassigning slot roles; no image data moves.
type flipper struct {
	e *Engine
}

func (flipper) destination(source api.Role) api.Role {
	return source
}

func (flipper) firstStage(api.SwapTransaction) api.Stage {
	return api.StageNone
}

// transfer re-validates the incoming image in place, since it may have been
// modified since it was Validated.
func (f flipper) transfer(rec api.Record) (api.Record, error) {
	t := rec.Swap
	if _, err := f.e.validate(t.Source, rec.Slot(t.Source).Image.Digest); err != nil {
		if _, ok := api.InvalidReason(err); !ok {
			return rec, err
		}
		glog.Warningf("Rolling back swap to %s: %v", t.Source, err)
		return f.e.write(rec, rolledBack(rec))
	}
	return f.e.advance(rec, api.PhaseDataCopied, api.StageNone)
}

// commit makes the incoming slot Active and keeps the previously Active one
// as the rollback candidate.
func (f flipper) commit(rec api.Record) (api.Record, error) {
	next := rec.Clone()
	t := next.Swap
	next.Slot(t.Destination).State = api.StateActive
	next.Rollback = api.RoleNone
	if t.Previous != api.RoleNone && t.Previous != t.Destination {
		next.Slot(t.Previous).State = api.StateValidated
		next.Rollback = t.Previous
	}
	t.Phase, t.Stage = api.PhaseCommitted, api.StageNone
	return f.e.write(rec, next)
}
