/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package actuator

import (
	"context"
	"errors"
	"fmt"
)

// Actuator applies a throttling value to one entity of the observed system
// and reports the value the system actually put in effect. Implementations
// must be safe for concurrent calls for different entities.
type Actuator interface {
	Apply(ctx context.Context, entityID string, value int) (int, error)
}

// Func adapts a function to the Actuator interface.
type Func func(ctx context.Context, entityID string, value int) (int, error)

func (f Func) Apply(ctx context.Context, entityID string, value int) (int, error) {
	return f(ctx, entityID, value)
}

// Error is a failed actuation for one entity on one tick. It is always
// recoverable: the next tick recomputes and retries with fresh data.
type Error struct {
	EntityID string
	Value    int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to apply %d to %s: %v", e.Value, e.EntityID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err came from a failed actuation call.
func IsTransient(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}
