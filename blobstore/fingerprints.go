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
	"encoding/json"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
)

// Fingerprints is an ordered set of files known to the blobstore
type Fingerprints []cfappsv1alpha1.Fingerprint

// Merge returns a new set holding f followed by receipt. Neither input is modified.
func (f Fingerprints) Merge(receipt Fingerprints) Fingerprints {
	merged := make(Fingerprints, 0, len(f)+len(receipt))
	merged = append(merged, f...)
	return append(merged, receipt...)
}

// BundleRequest serializes the set in order, as expected by the bundles endpoint
func (f Fingerprints) BundleRequest() ([]byte, error) {
	if f == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f)
}
