// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodevisor

import (
	"errors"
)

var (
	ErrNotFound       = errors.New("Not found")
	ErrDuplicateId    = errors.New("Duplicate process id")
	ErrAlreadyRunning = errors.New("Process is already running")
	ErrNotRunning     = errors.New("Process is not running")
	ErrAccessDenied   = errors.New("Access denied: path outside root")
	ErrSpawnFailed    = errors.New("Failed to start process")
	ErrInstallFailed  = errors.New("Failed to install dependencies")
	ErrInternal       = errors.New("Internal error")
	ErrEmptyCommand   = errors.New("Empty command")
	ErrSlowSubscriber = errors.New("Subscriber fell too far behind")
	ErrShutdown       = errors.New("Supervisor is shut down")
)
