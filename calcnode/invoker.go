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
package calcnode

import "context"

// JobInvocationReceiver is told the outcome of a job handed to an invoker. Exactly
// one of the methods is called per accepted job.
type JobInvocationReceiver interface {
	JobCompleted(ctx context.Context, result *CalculationJobResult)
	JobFailed(ctx context.Context, invoker JobInvoker, nodeID string, err error)
}

// JobInvoker is one unit of execution capacity, either local nodes of this process
// or a remote node behind a connection.
type JobInvoker interface {
	ID() string
	Capabilities() Capabilities
	// Invoke hands the job over and returns without waiting for the outcome.
	Invoke(ctx context.Context, job *CalculationJob, receiver JobInvocationReceiver) error
	IsAlive() bool
	Close()
}

// JobInvokerRegister makes invokers available to the job dispatcher.
type JobInvokerRegister interface {
	RegisterJobInvoker(ctx context.Context, invoker JobInvoker)
}

type jobInvokerUnregister interface {
	Unregister(ctx context.Context, id string)
}
