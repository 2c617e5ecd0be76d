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

package blobstore

import (
	"fmt"
)

// UnexpectedResponseCodeError is returned when the blob layer answers with a status other than the one expected
type UnexpectedResponseCodeError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *UnexpectedResponseCodeError) Error() string {
	return fmt.Sprintf("bits service %s: unexpected response code %d: %s", e.Operation, e.StatusCode, e.Body)
}
