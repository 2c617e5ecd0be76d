package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	appsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/blobstore"
	"cloudfoundry.org/cf-crd-staging/jobs"
	"cloudfoundry.org/cf-crd-staging/repositories"
)

// Define the routes used in the REST endpoints
const (
	PackageEndpoint       = "/v3/packages"
	GetPackageEndpoint    = PackageEndpoint + "/{guid}"
	DeletePackageEndpoint = GetPackageEndpoint
	UploadPackageEndpoint = GetPackageEndpoint + "/upload"
)

type PackageFinder interface {
	Find(ctx context.Context, guid string) (*appsv1alpha1.Package, error)
}

type PackageStore interface {
	PackageFinder
	Create(ctx context.Context, pkg *appsv1alpha1.Package) error
	Save(ctx context.Context, pkg *appsv1alpha1.Package) error
}

type PackageDeleter interface {
	Delete(ctx context.Context, packages ...*appsv1alpha1.Package) error
}

type PackageHandler struct {
	// This is a Kuberentes client, used for the registry credentials of docker packages
	Client    client.Client
	Namespace string
	Apps      AppFinder
	Packages  PackageStore
	Deleter   PackageDeleter
	Packer    PackerJobs
	Enqueuer  jobs.Enqueuer
	TmpDir    string
	Logger    logr.Logger
}

// CreatePackageHandler creates a bits package awaiting upload, or a docker package pointing at an image
// POST /v3/packages
// https://v3-apidocs.cloudfoundry.org/version/3.101.0/index.html#create-a-package
func (p *PackageHandler) CreatePackageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()

	var packageRequest CFAPIPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&packageRequest); err != nil {
		ReturnFormattedError(w, 400, "CF-MessageParseError", "Request invalid due to parse error: invalid request body", 1001)
		return
	}

	appGUID := packageRequest.Relationships.App.Data.GUID
	if _, err := p.Apps.Find(ctx, appGUID); err != nil {
		if repositories.IsNotFound(err) {
			ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "App is invalid. Ensure it exists and you have access to it.", 10008)
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	packageGUID := uuid.New().String()
	pkg := &appsv1alpha1.Package{
		ObjectMeta: metav1.ObjectMeta{
			Name:   packageGUID,
			Labels: map[string]string{appsv1alpha1.AppGUIDLabel: appGUID},
		},
		Spec: appsv1alpha1.PackageSpec{
			Type:   appsv1alpha1.PackageType(packageRequest.Type),
			AppRef: appsv1alpha1.ApplicationReference{Kind: "App", Name: appGUID},
		},
	}

	switch pkg.Spec.Type {
	case appsv1alpha1.BitsPackage:
		pkg.Status.State = appsv1alpha1.PackageAwaitingUpload
	case appsv1alpha1.DockerPackage:
		registry, err := p.dockerSource(ctx, packageGUID, packageRequest.Data)
		if err != nil {
			ReturnFormattedError(w, 422, "CF-UnprocessableEntity", err.Error(), 10008)
			return
		}
		pkg.Spec.Source.Registry = registry
		pkg.Status.State = appsv1alpha1.PackageReady
	default:
		ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "Type must be one of 'bits', 'docker'", 10008)
		return
	}

	if err := p.Packages.Create(ctx, pkg); err != nil {
		p.Logger.Error(err, "unable to create package", "app", appGUID)
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	p.Logger.Info(fmt.Sprintf("Created %s package %s for app %s", pkg.Spec.Type, packageGUID, appGUID))
	returnJSON(w, http.StatusCreated, formatPackageResponse(pkg, packageRequest.Data.Username))
}

// dockerSource stores the registry credentials of a docker package in a secret the keychain understands
func (p *PackageHandler) dockerSource(ctx context.Context, packageGUID string, data CFAPIPackageDockerData) (appsv1alpha1.Registry, error) {
	ref, err := name.ParseReference(data.Image)
	if err != nil {
		return appsv1alpha1.Registry{}, fmt.Errorf("Image %q is invalid: %s", data.Image, err)
	}
	registry := appsv1alpha1.Registry{Image: data.Image}
	if data.Username == "" {
		return registry, nil
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        packageGUID + "-secret",
			Namespace:   p.Namespace,
			Annotations: map[string]string{blobstore.DockerRegistryAnnotation: ref.Context().RegistryStr()},
		},
		Type: corev1.SecretTypeBasicAuth,
		StringData: map[string]string{
			corev1.BasicAuthUsernameKey: data.Username,
			corev1.BasicAuthPasswordKey: data.Password,
		},
	}
	if err := p.Client.Create(ctx, secret); err != nil {
		return appsv1alpha1.Registry{}, fmt.Errorf("storing registry credentials: %w", err)
	}
	registry.ImagePullSecrets = []corev1.LocalObjectReference{{Name: secret.Name}}
	return registry, nil
}

// UploadPackageBitsHandler stores the uploaded zip and queues assembly of the package
// POST /v3/packages/:guid/upload
// https://v3-apidocs.cloudfoundry.org/version/3.101.0/index.html#upload-package-bits
func (p *PackageHandler) UploadPackageBitsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()
	packageGUID := mux.Vars(r)["guid"]

	pkg, err := p.Packages.Find(ctx, packageGUID)
	if err != nil {
		if repositories.IsNotFound(err) {
			returnNotFound(w, "Package")
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}
	if pkg.Spec.Type != appsv1alpha1.BitsPackage {
		ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "Package type must be bits.", 10008)
		return
	}
	if pkg.Status.State != appsv1alpha1.PackageAwaitingUpload && pkg.Status.State != "" {
		ReturnFormattedError(w, 400, "CF-PackageBitsAlreadyUploaded", "Bits may be uploaded only once. Create a new package to upload different bits.", 150004)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "Request invalid due to parse error: invalid multipart body", 10008)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var resources []CFAPIV3Resource
	if raw, ok := r.MultipartForm.Value["resources"]; ok && len(raw) > 0 {
		if err := json.Unmarshal([]byte(raw[0]), &resources); err != nil {
			ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "Request invalid due to parse error: invalid resources", 10008)
			return
		}
	}

	uploadedPath, err := saveUpload(r, "bits", p.TmpDir, "package-bits-*.zip")
	if err != nil {
		p.Logger.Error(err, "unable to store uploaded bits", "package", packageGUID)
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}
	if uploadedPath == "" && len(resources) == 0 {
		ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "Upload must include either resources or bits", 10008)
		return
	}

	fingerprints := make(blobstore.Fingerprints, 0, len(resources))
	for _, resource := range resources {
		fingerprints = append(fingerprints, appsv1alpha1.Fingerprint{SHA1: resource.Checksum.Value, Path: resource.Path})
	}

	pkg.Spec.Fingerprints = fingerprints
	pkg.Status.State = appsv1alpha1.PackageProcessingUpload
	if err := p.Packages.Save(ctx, pkg); err != nil {
		removeUpload(uploadedPath)
		p.Logger.Error(err, "unable to save package", "package", packageGUID)
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	job := p.Packer.NewJob(pkg.Spec.AppRef.Name, uploadedPath, fingerprints, pkg.Name)
	if err := p.Enqueuer.Enqueue(job, jobs.GenericQueue); err != nil {
		removeUpload(uploadedPath)
		p.Logger.Error(err, "unable to enqueue package assembly", "package", packageGUID)
		pkg.Status.State = appsv1alpha1.PackageAwaitingUpload
		if saveErr := p.Packages.Save(ctx, pkg); saveErr != nil {
			p.Logger.Error(saveErr, "unable to reset package state", "package", packageGUID)
		}
		ReturnFormattedError(w, 503, "CF-ServiceUnavailable", err.Error(), 10015)
		return
	}

	p.Logger.Info(fmt.Sprintf("Queued assembly of package %s", packageGUID))
	returnJSON(w, http.StatusOK, formatPackageResponse(pkg, ""))
}

// DeletePackageHandler removes the package record and schedules removal of its bits
// DELETE /v3/packages/:guid
// https://v3-apidocs.cloudfoundry.org/version/3.101.0/index.html#delete-a-package
func (p *PackageHandler) DeletePackageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	packageGUID := mux.Vars(r)["guid"]

	pkg, err := p.Packages.Find(ctx, packageGUID)
	if err != nil {
		if repositories.IsNotFound(err) {
			returnNotFound(w, "Package")
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	if err := p.Deleter.Delete(ctx, pkg); err != nil {
		p.Logger.Error(err, "unable to delete package", "package", packageGUID)
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	p.Logger.Info(fmt.Sprintf("Deleted package %s", packageGUID))
	w.WriteHeader(http.StatusAccepted)
}

func formatPackageResponse(pkg *appsv1alpha1.Package, username string) CFAPIPackageResource {
	data := CFAPIPackageDockerData{}
	if pkg.Spec.Type == appsv1alpha1.DockerPackage {
		data.Image = pkg.Spec.Source.Registry.Image
		if username != "" {
			data.Username = username
			data.Password = "***"
		}
	}

	return CFAPIPackageResource{
		GUID:  pkg.Name,
		Type:  string(pkg.Spec.Type),
		State: string(pkg.Status.State),
		Data:  data,
		Relationships: CFAPIPackageRelationships{
			App: CFAPIPackageRelationshipsApp{
				Data: CFAPIPackageRelationshipsAppData{GUID: pkg.Spec.AppRef.Name},
			},
		},
		Links: map[string]CFAPILink{
			"self":   {Href: "/v3/packages/" + pkg.Name},
			"upload": {Href: "/v3/packages/" + pkg.Name + "/upload"},
			"app":    {Href: "/v3/apps/" + pkg.Spec.AppRef.Name},
		},
		Metadata: CFAPIMetadata{
			Labels:      map[string]string{},
			Annotations: map[string]string{},
		},
	}
}

func removeUpload(path string) {
	if path != "" {
		os.Remove(path)
	}
}
