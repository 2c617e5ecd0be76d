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

package repositories

import (
	"context"
	"sort"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
)

// IsNotFound distinguishes a missing record from every other repository fault
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

type AppRepository struct {
	client    client.Client
	namespace string
}

func NewAppRepository(c client.Client, namespace string) *AppRepository {
	return &AppRepository{client: c, namespace: namespace}
}

func (r *AppRepository) Find(ctx context.Context, guid string) (*cfappsv1alpha1.App, error) {
	app := new(cfappsv1alpha1.App)
	if err := r.client.Get(ctx, types.NamespacedName{Name: guid, Namespace: r.namespace}, app); err != nil {
		return nil, err
	}
	return app, nil
}

// Save persists both spec and status of the app
func (r *AppRepository) Save(ctx context.Context, app *cfappsv1alpha1.App) error {
	status := app.Status.DeepCopy()
	if err := r.client.Update(ctx, app); err != nil {
		return err
	}
	app.Status = *status
	return r.client.Status().Update(ctx, app)
}

func (r *AppRepository) Reload(ctx context.Context, app *cfappsv1alpha1.App) error {
	return r.client.Get(ctx, client.ObjectKeyFromObject(app), app)
}

func (r *AppRepository) Destroy(ctx context.Context, app *cfappsv1alpha1.App) error {
	return r.client.Delete(ctx, app)
}

type PackageRepository struct {
	client    client.Client
	namespace string
}

func NewPackageRepository(c client.Client, namespace string) *PackageRepository {
	return &PackageRepository{client: c, namespace: namespace}
}

func (r *PackageRepository) Find(ctx context.Context, guid string) (*cfappsv1alpha1.Package, error) {
	pkg := new(cfappsv1alpha1.Package)
	if err := r.client.Get(ctx, types.NamespacedName{Name: guid, Namespace: r.namespace}, pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

func (r *PackageRepository) ListForApp(ctx context.Context, appGUID string) ([]cfappsv1alpha1.Package, error) {
	list := &cfappsv1alpha1.PackageList{}
	if err := r.client.List(ctx, list, client.InNamespace(r.namespace), client.MatchingLabels{cfappsv1alpha1.AppGUIDLabel: appGUID}); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// Create persists a new package, including its initial status
func (r *PackageRepository) Create(ctx context.Context, pkg *cfappsv1alpha1.Package) error {
	if pkg.Namespace == "" {
		pkg.Namespace = r.namespace
	}
	status := pkg.Status.DeepCopy()
	if err := r.client.Create(ctx, pkg); err != nil {
		return err
	}
	pkg.Status = *status
	return r.client.Status().Update(ctx, pkg)
}

func (r *PackageRepository) Save(ctx context.Context, pkg *cfappsv1alpha1.Package) error {
	status := pkg.Status.DeepCopy()
	if err := r.client.Update(ctx, pkg); err != nil {
		return err
	}
	pkg.Status = *status
	return r.client.Status().Update(ctx, pkg)
}

func (r *PackageRepository) Destroy(ctx context.Context, pkg *cfappsv1alpha1.Package) error {
	return r.client.Delete(ctx, pkg)
}

type DropletRepository struct {
	client    client.Client
	namespace string
}

func NewDropletRepository(c client.Client, namespace string) *DropletRepository {
	return &DropletRepository{client: c, namespace: namespace}
}

// Find looks a droplet up by its staging guid
func (r *DropletRepository) Find(ctx context.Context, stagingGUID string) (*cfappsv1alpha1.Droplet, error) {
	droplet := new(cfappsv1alpha1.Droplet)
	if err := r.client.Get(ctx, types.NamespacedName{Name: stagingGUID, Namespace: r.namespace}, droplet); err != nil {
		return nil, err
	}
	return droplet, nil
}

// Create persists a new droplet, including its initial status
func (r *DropletRepository) Create(ctx context.Context, droplet *cfappsv1alpha1.Droplet) error {
	if droplet.Namespace == "" {
		droplet.Namespace = r.namespace
	}
	status := droplet.Status.DeepCopy()
	if err := r.client.Create(ctx, droplet); err != nil {
		return err
	}
	droplet.Status = *status
	return r.client.Status().Update(ctx, droplet)
}

func (r *DropletRepository) Save(ctx context.Context, droplet *cfappsv1alpha1.Droplet) error {
	status := droplet.Status.DeepCopy()
	if err := r.client.Update(ctx, droplet); err != nil {
		return err
	}
	droplet.Status = *status
	return r.client.Status().Update(ctx, droplet)
}

type BuildpackRepository struct {
	client client.Client
}

func NewBuildpackRepository(c client.Client) *BuildpackRepository {
	return &BuildpackRepository{client: c}
}

// List returns the registered system buildpacks ordered by position
func (r *BuildpackRepository) List(ctx context.Context) ([]cfappsv1alpha1.Buildpack, error) {
	list := &cfappsv1alpha1.BuildpackList{}
	if err := r.client.List(ctx, list); err != nil {
		return nil, err
	}
	items := list.Items
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Spec.Position < items[j].Spec.Position
	})
	return items, nil
}

func (r *BuildpackRepository) Count(ctx context.Context) (int, error) {
	list := &cfappsv1alpha1.BuildpackList{}
	if err := r.client.List(ctx, list); err != nil {
		return 0, err
	}
	return len(list.Items), nil
}

