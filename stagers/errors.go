/*
Copyright 2021.

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

package stagers

import (
	"errors"
	"fmt"
)

const (
	DockerDisabled           = "DockerDisabled"
	AppPackageInvalid        = "AppPackageInvalid"
	CustomBuildpacksDisabled = "CustomBuildpacksDisabled"
	NoBuildpacksFound        = "NoBuildpacksFound"
)

// ErrUnknownLifecycle means a caller asked for a lifecycle no completion handler exists for
var ErrUnknownLifecycle = errors.New("unknown lifecycle type")

// ValidationError rejects a staging request before anything is mutated
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}
