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

// Package nodevisor supervises Node.js processes on behalf of a single
// operator.  A Supervisor spawns entry points found below a confined root
// directory, optionally installing their dependencies first, tracks each
// child in a Registry, and stops or restarts them on request.  One of the
// processes may be designated the default process, which has its own
// start, stop and restart operations and a running or stopped status.
//
// Everything that happens is published through a Broadcaster: output from
// the children, narration from the supervisor itself, output of one-off
// shell commands run by the Runner, and lifecycle events.  The Broadcaster
// orders all of these into a single sequence, keeps recent output in a
// bounded Log, and hands each new observer a backlog followed by a live
// feed with neither gaps nor duplicates.
//
// The rest package exposes all of this over HTTP and WebSocket, so that
// a supervisor can be registered within an existing server instance.
package nodevisor
