// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import "errors"

var (
	ErrIdentifierNotFound    = errors.New("identifier not found")
	ErrDuplicateRegistration = errors.New("duplicate identifier registration")
	ErrIdentifierRegressed   = errors.New("persisted identifier above high water mark")

	ErrCacheNotFound = errors.New("cache not found")
	ErrInvalidData   = errors.New("invalid data")

	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrConnectionLost    = errors.New("connection lost")
	ErrRemoteFailure     = errors.New("remote failure")

	ErrInvalidNodeSetConfig = errors.New("exactly one of node count and nodes per core must be set")
	ErrNilDependency        = errors.New("required dependency is nil")
	ErrFunctionNotFound     = errors.New("function not found")
	ErrTargetNotResolved    = errors.New("computation target not resolved")
	ErrMissingInputs        = errors.New("missing function inputs")
	ErrNoCapacity           = errors.New("no free calculation node")
	ErrInvokerClosed        = errors.New("job invoker closed")
	ErrDuplicateJob         = errors.New("job already running on invoker")
)
