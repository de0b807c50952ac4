// Copyright 2024 Lix Authors
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

package common

import (
	"errors"
	"fmt"
)

// Input and validation errors.
var (
	ErrNotFound             = errors.New("not found")
	ErrVersionExists        = errors.New("version already exists")
	ErrSchemaNotFound       = errors.New("schema not registered")
	ErrInvalidSchema        = errors.New("invalid schema")
	ErrInvalidSnapshot      = errors.New("invalid snapshot content")
	ErrDuplicateChangeID    = errors.New("duplicate change id")
	ErrInheritanceCycle     = errors.New("version inheritance cycle")
	ErrReadOnlyView         = errors.New("view is read-only")
	ErrUnsupportedStatement = errors.New("unsupported statement")
	ErrInvalidPattern       = errors.New("invalid path pattern")
	ErrOutdirIsProjectRoot  = errors.New("outdir resolves to the project root")
	ErrNothingToCheckpoint  = errors.New("working change set is empty")
	ErrGlobalVersion        = errors.New("operation not allowed on the global version")
	ErrVersionInUse         = errors.New("version is in use")
	ErrPluginCapability     = errors.New("plugin capability mismatch")
)

// ChangeHasBeenMutatedError is returned when a change id is reused with
// content that differs from the stored change.
type ChangeHasBeenMutatedError struct {
	ChangeID string
}

func (e *ChangeHasBeenMutatedError) Error() string {
	return fmt.Sprintf("change %s has been mutated: stored content differs", e.ChangeID)
}

// ChangeNotDirectChildOfConflictError is returned when a new change used to
// resolve a conflict does not name one of the conflicting changes as parent.
type ChangeNotDirectChildOfConflictError struct {
	ChangeID            string
	ParentID            string
	ConflictChangeID    string
	ConflictingChangeID string
}

func (e *ChangeNotDirectChildOfConflictError) Error() string {
	return fmt.Sprintf("change %s (parent %q) is not a direct child of conflict %s/%s",
		e.ChangeID, e.ParentID, e.ConflictChangeID, e.ConflictingChangeID)
}

// ChangeDoesNotBelongToFileError is returned when a resolving change targets
// a different file than the conflicting changes.
type ChangeDoesNotBelongToFileError struct {
	ChangeID       string
	FileID         string
	ExpectedFileID string
}

func (e *ChangeDoesNotBelongToFileError) Error() string {
	return fmt.Sprintf("change %s belongs to file %q, conflict is on file %q",
		e.ChangeID, e.FileID, e.ExpectedFileID)
}

// PluginChangeCountError is returned by single-blob plugins when they are
// handed a change count other than the one they can apply.
type PluginChangeCountError struct {
	PluginKey string
	FileID    string
	Got       int
	Want      int
}

func (e *PluginChangeCountError) Error() string {
	return fmt.Sprintf("plugin %s: file %q expects exactly %d change(s), got %d",
		e.PluginKey, e.FileID, e.Want, e.Got)
}
