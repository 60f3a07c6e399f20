// Copyright 2025 The Kernelforge Authors
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

// Package toolexec implements the Tool Execution Manager (C4): parameter
// validation against JSON Schema, approval-mode policy enforcement,
// concurrency/quota caps, and uniform dispatch to local or MCP-fleet-backed
// tools.
package toolexec

import (
	"time"

	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// State is the lifecycle stage of a ToolExecution. It advances
// monotonically; it never steps backward.
type State string

const (
	StateValidating       State = "validating"
	StateAwaitingApproval State = "awaiting_approval"
	StateScheduled        State = "scheduled"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
)

// stateOrder gives each State a monotonic rank for the advancement check.
var stateOrder = map[State]int{
	StateValidating:       0,
	StateAwaitingApproval: 1,
	StateScheduled:        2,
	StateExecuting:        3,
	StateCompleted:        4,
}

// ToolExecution tracks one in-flight or completed tool invocation. C4
// exclusively owns and mutates it; other components must treat a handle as
// read-only.
type ToolExecution struct {
	ExecutionID  string
	ToolName     string
	Parameters   map[string]any
	State        State
	ApprovalMode tool.ApprovalMode
	Approved     bool
	SubmittedAt  time.Time
	ExecutedAt   time.Time
	CompletedAt  time.Time
	Result       *tool.Result
	Err          error
}

// advance moves the execution to next, panicking on a backward transition
// since that would violate the C4 ownership invariant (a programming
// error, not a runtime condition callers can trigger).
func (e *ToolExecution) advance(next State) {
	if stateOrder[next] < stateOrder[e.State] {
		panic("toolexec: illegal backward state transition from " + string(e.State) + " to " + string(next))
	}
	e.State = next
}

// Snapshot returns a copy safe to hand to read-only observers.
func (e *ToolExecution) Snapshot() ToolExecution {
	return *e
}
