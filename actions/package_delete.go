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

package actions

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/blobstore"
	"cloudfoundry.org/cf-crd-staging/jobs"
)

type PackageDestroyer interface {
	Destroy(ctx context.Context, pkg *cfappsv1alpha1.Package) error
}

// PackageDelete removes package records, scheduling removal of their bits first
type PackageDelete struct {
	enqueuer   jobs.Enqueuer
	packages   PackageDestroyer
	keys       blobstore.KeyResolver
	blobstores jobs.Blobstores
	logger     logr.Logger
}

func NewPackageDelete(enqueuer jobs.Enqueuer, packages PackageDestroyer, keys blobstore.KeyResolver, blobstores jobs.Blobstores, logger logr.Logger) *PackageDelete {
	return &PackageDelete{
		enqueuer:   enqueuer,
		packages:   packages,
		keys:       keys,
		blobstores: blobstores,
		logger:     logger,
	}
}

// Delete enqueues one blob removal per package on the generic queue and then destroys the record.
// The first enqueue or destroy failure stops the batch and is returned.
func (d *PackageDelete) Delete(ctx context.Context, packages ...*cfappsv1alpha1.Package) error {
	for _, pkg := range packages {
		key := d.keys.Key(pkg)
		job := jobs.NewBlobstoreDelete(key, jobs.PackageBlobstore, d.blobstores)
		if err := d.enqueuer.Enqueue(job, jobs.GenericQueue); err != nil {
			return fmt.Errorf("enqueueing blobstore delete for package %s: %w", pkg.Name, err)
		}

		if err := d.packages.Destroy(ctx, pkg); err != nil {
			return fmt.Errorf("destroying package %s: %w", pkg.Name, err)
		}
		d.logger.Info(fmt.Sprintf("Deleted package %s", pkg.Name))
	}
	return nil
}
