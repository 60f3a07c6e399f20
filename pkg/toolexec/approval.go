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

package toolexec

import "github.com/orkestra-project/kernelforge/pkg/tool"

// ApprovalRequest is what an ApprovalPolicy decides on.
type ApprovalRequest struct {
	Definition tool.Definition
	Parameters map[string]any

	// AllowedTools backs the "plan" policy: the set of tool names a
	// PromptObject's plan token permits.
	AllowedTools []string
}

// ApprovalPolicy decides whether a tool invocation may proceed without
// pausing for a human decision. auto_edit and plan are caller-defined
// policy hooks layered on the same interface as default and yolo.
type ApprovalPolicy interface {
	// Approve reports whether req may run immediately.
	Approve(req ApprovalRequest) bool
}

// DefaultPolicy implements the `default` approval mode: a tool definition
// that doesn't require approval is cleared immediately. One that does is
// not denied here — Approve returning false for this policy tells the
// caller (Manager.run) to suspend the execution on the approval queue
// instead, where a human decision resumes or denies it via
// Manager.ResolveApproval.
type DefaultPolicy struct{}

func (DefaultPolicy) Approve(req ApprovalRequest) bool {
	return !req.Definition.ApprovalRequired
}

// YOLOPolicy implements the `yolo` approval mode: everything is approved.
type YOLOPolicy struct{}

func (YOLOPolicy) Approve(ApprovalRequest) bool { return true }

// AutoEditPolicy implements the `auto_edit` approval mode: tools tagged
// non-mutating (Mutates=false) are auto-approved; everything else needs a
// human decision.
type AutoEditPolicy struct{}

func (AutoEditPolicy) Approve(req ApprovalRequest) bool {
	return !req.Definition.Mutates
}

// PlanPolicy implements the `plan` approval mode: a call is approved only
// when its tool name appears in the request's AllowedTools.
type PlanPolicy struct{}

func (PlanPolicy) Approve(req ApprovalRequest) bool {
	for _, name := range req.AllowedTools {
		if name == req.Definition.Name {
			return true
		}
	}
	return false
}

// PolicyFor resolves the concrete ApprovalPolicy for an ApprovalMode.
func PolicyFor(mode tool.ApprovalMode) ApprovalPolicy {
	switch mode {
	case tool.ApprovalModeYOLO:
		return YOLOPolicy{}
	case tool.ApprovalModeAutoEdit:
		return AutoEditPolicy{}
	case tool.ApprovalModePlan:
		return PlanPolicy{}
	default:
		return DefaultPolicy{}
	}
}
