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
	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
)

// Key returns the storage key of a package's bits. With content addressing the key is the
// package hash, so identical content shares one blob; otherwise it is the package guid.
func Key(pkg *cfappsv1alpha1.Package, contentAddressing bool) string {
	if contentAddressing {
		return pkg.Status.Hash
	}
	return pkg.Name
}

// KeyResolver carries the deployment-wide addressing mode so that writers and cleaners agree on keys
type KeyResolver struct {
	ContentAddressing bool
}

func (r KeyResolver) Key(pkg *cfappsv1alpha1.Package) string {
	return Key(pkg, r.ContentAddressing)
}
