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

package jobs

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/retry"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/blobstore"
	"cloudfoundry.org/cf-crd-staging/repositories"
)

const StagingErrorReason = "StagingError"

type AppStore interface {
	Find(ctx context.Context, guid string) (*cfappsv1alpha1.App, error)
	Save(ctx context.Context, app *cfappsv1alpha1.App) error
}

type PackageStore interface {
	Find(ctx context.Context, guid string) (*cfappsv1alpha1.Package, error)
	Save(ctx context.Context, pkg *cfappsv1alpha1.Package) error
}

type BitsService interface {
	UploadEntries(ctx context.Context, path string) (blobstore.Fingerprints, error)
	Bundles(ctx context.Context, fingerprints []byte) (io.ReadCloser, error)
	UploadPackage(ctx context.Context, path string) (string, error)
}

type PackerConfig struct {
	Apps     AppStore
	Packages PackageStore
	Bits     BitsService
	TmpDir   string
	Logger   logr.Logger

	// CreateTemp defaults to os.CreateTemp
	CreateTemp func(dir, pattern string) (*os.File, error)
}

// Packer builds ExternalPacker jobs that share one set of collaborators
type Packer struct {
	config PackerConfig
}

func NewPacker(config PackerConfig) *Packer {
	if config.CreateTemp == nil {
		config.CreateTemp = os.CreateTemp
	}
	return &Packer{config: config}
}

// NewJob describes one package assembly. uploadedPath and packageGUID may be empty.
func (p *Packer) NewJob(appGUID, uploadedPath string, fingerprints blobstore.Fingerprints, packageGUID string) *ExternalPacker {
	return &ExternalPacker{
		AppGUID:      appGUID,
		UploadedPath: uploadedPath,
		Fingerprints: fingerprints,
		PackageGUID:  packageGUID,
		config:       p.config,
	}
}

// ExternalPacker assembles a package from newly uploaded bits plus files the
// bits service already holds, then points the app at the new package.
type ExternalPacker struct {
	AppGUID      string
	UploadedPath string
	Fingerprints blobstore.Fingerprints
	PackageGUID  string

	config PackerConfig
}

func (j *ExternalPacker) JobName() string {
	return "external_packer"
}

func (j *ExternalPacker) Perform(ctx context.Context) error {
	logger := j.config.Logger.WithValues("appGuid", j.AppGUID)

	if _, err := j.config.Apps.Find(ctx, j.AppGUID); err != nil {
		if repositories.IsNotFound(err) {
			logger.Error(err, "App not found: "+j.AppGUID)
			j.removeUpload(logger)
			return nil
		}
		return err
	}

	packageHash, err := j.pack(ctx)
	if err == nil {
		err = j.commit(ctx, packageHash)
	}
	if err != nil {
		if markErr := j.markFailed(ctx); markErr != nil {
			logger.Error(markErr, "unable to mark app as failed to stage")
		}
		return err
	}

	logger.Info(fmt.Sprintf("Packed app %s into package %s", j.AppGUID, packageHash))
	j.removeUpload(logger)
	return nil
}

func (j *ExternalPacker) pack(ctx context.Context) (string, error) {
	fingerprints := j.Fingerprints
	if j.UploadedPath != "" {
		receipt, err := j.config.Bits.UploadEntries(ctx, j.UploadedPath)
		if err != nil {
			return "", err
		}
		fingerprints = fingerprints.Merge(receipt)
	}

	payload, err := fingerprints.BundleRequest()
	if err != nil {
		return "", err
	}

	bundle, err := j.config.Bits.Bundles(ctx, payload)
	if err != nil {
		return "", err
	}
	defer bundle.Close()

	tmp, err := j.config.CreateTemp(j.config.TmpDir, "package-*.zip")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, bundle); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	return j.config.Bits.UploadPackage(ctx, tmp.Name())
}

// commit points the app at the new package, then records the hash on the
// package. Both writes start from a fresh read so the last assembly wins.
func (j *ExternalPacker) commit(ctx context.Context, packageHash string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		app, err := j.config.Apps.Find(ctx, j.AppGUID)
		if err != nil {
			return err
		}
		app.Spec.PackageHash = packageHash
		return j.config.Apps.Save(ctx, app)
	})
	if err != nil {
		return err
	}

	if j.PackageGUID == "" || j.config.Packages == nil {
		return nil
	}
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pkg, err := j.config.Packages.Find(ctx, j.PackageGUID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return nil
			}
			return err
		}
		pkg.Status.Hash = packageHash
		pkg.Status.State = cfappsv1alpha1.PackageReady
		return j.config.Packages.Save(ctx, pkg)
	})
}

func (j *ExternalPacker) markFailed(ctx context.Context) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		app, err := j.config.Apps.Find(ctx, j.AppGUID)
		if err != nil {
			return err
		}
		app.MarkAsFailedToStage(StagingErrorReason)
		return j.config.Apps.Save(ctx, app)
	})
	if err != nil && !repositories.IsNotFound(err) {
		return err
	}

	if j.PackageGUID == "" || j.config.Packages == nil {
		return nil
	}
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pkg, err := j.config.Packages.Find(ctx, j.PackageGUID)
		if err != nil {
			return err
		}
		pkg.Status.State = cfappsv1alpha1.PackageFailed
		return j.config.Packages.Save(ctx, pkg)
	})
	if repositories.IsNotFound(err) {
		return nil
	}
	return err
}

func (j *ExternalPacker) removeUpload(logger logr.Logger) {
	if j.UploadedPath == "" {
		return
	}
	if err := os.Remove(j.UploadedPath); err != nil && !os.IsNotExist(err) {
		logger.Info(fmt.Sprintf("Error removing uploaded file %s: %s", j.UploadedPath, err))
	}
}
