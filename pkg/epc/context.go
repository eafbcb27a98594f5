// Copyright 2024 The EPC Core Authors.
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

package epc

import (
	"gvisor.dev/gvisor/pkg/context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxManager is a Context.Value key for a *Manager.
	CtxManager contextID = iota
)

// ManagerFromContext returns the Manager used by ctx, or nil if no such
// Manager exists.
func ManagerFromContext(ctx context.Context) *Manager {
	if v := ctx.Value(CtxManager); v != nil {
		return v.(*Manager)
	}
	return nil
}
