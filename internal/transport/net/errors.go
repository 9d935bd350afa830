/*
 * Copyright 2025 The nccl-go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package net

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error construction for the transport. Nothing is caught locally; every
// failure is returned up the call chain with a status code so callers can
// distinguish bad arguments, broken invariants, device failures, system
// failures and provider failures.

// errInvalidArgument reports a malformed request, e.g. an RPC body size
// mismatch.
func errInvalidArgument(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, "net: "+format, args...)
}

// errInternal reports a broken invariant.
func errInternal(format string, args ...interface{}) error {
	return status.Errorf(codes.Internal, "net: "+format, args...)
}

// errDevice wraps a device-memory operation failure.
func errDevice(op string, err error) error {
	return status.Errorf(codes.Internal, "net: device %s: %v", op, err)
}

// errSystem wraps a host-system failure (shm, pinned allocation).
func errSystem(op string, err error) error {
	return status.Errorf(codes.Unavailable, "net: system %s: %v", op, err)
}

// errNetwork wraps a provider call failure. Provider failures are fatal
// to the connection; requests are never reissued.
func errNetwork(op string, err error) error {
	return status.Errorf(codes.Unavailable, "net: provider %s: %v", op, err)
}
