package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	appsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/blobstore"
	"cloudfoundry.org/cf-crd-staging/jobs"
	"cloudfoundry.org/cf-crd-staging/repositories"
)

// Define the routes used in the REST endpoints
const (
	AppBitsEndpoint    = "/v2/apps/{guid}/bits"
	AppRestageEndpoint = "/v2/apps/{guid}/restage"

	maxUploadMemory = 32 << 20
)

type AppFinder interface {
	Find(ctx context.Context, guid string) (*appsv1alpha1.App, error)
}

type PackerJobs interface {
	NewJob(appGUID, uploadedPath string, fingerprints blobstore.Fingerprints, packageGUID string) *jobs.ExternalPacker
}

type AppStager interface {
	StageApp(ctx context.Context, app *appsv1alpha1.App) (*appsv1alpha1.Droplet, error)
}

type AppHandler struct {
	Apps     AppFinder
	Packer   PackerJobs
	Enqueuer jobs.Enqueuer
	Stagers  AppStager
	TmpDir   string
	Logger   logr.Logger
}

// UploadBitsHandler stores the uploaded application zip and queues assembly of the package
// PUT /v2/apps/:guid/bits
// https://apidocs.cloudfoundry.org/16.22.0/apps/uploads_the_bits_for_an_app.html
func (a *AppHandler) UploadBitsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()
	appGUID := mux.Vars(r)["guid"]

	if _, err := a.Apps.Find(ctx, appGUID); err != nil {
		if repositories.IsNotFound(err) {
			returnNotFound(w, "App")
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		ReturnFormattedError(w, 400, "CF-AppBitsUploadInvalid", "Request invalid due to parse error: invalid multipart body", 160001)
		return
	}
	defer r.MultipartForm.RemoveAll()

	rawResources, ok := r.MultipartForm.Value["resources"]
	if !ok || len(rawResources) == 0 {
		ReturnFormattedError(w, 400, "CF-AppBitsUploadInvalid", "missing :resources", 160001)
		return
	}
	var resources []CFAPIV2Resource
	if err := json.Unmarshal([]byte(rawResources[0]), &resources); err != nil {
		ReturnFormattedError(w, 400, "CF-AppBitsUploadInvalid", "Request invalid due to parse error: invalid resources", 160001)
		return
	}

	uploadedPath, err := saveUpload(r, "application", a.TmpDir, "app-bits-*.zip")
	if err != nil {
		a.Logger.Error(err, "unable to store uploaded bits", "app", appGUID)
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	fingerprints := make(blobstore.Fingerprints, 0, len(resources))
	for _, resource := range resources {
		fingerprints = append(fingerprints, appsv1alpha1.Fingerprint{SHA1: resource.SHA1, Path: resource.Path})
	}

	job := a.Packer.NewJob(appGUID, uploadedPath, fingerprints, "")
	if err := a.Enqueuer.Enqueue(job, jobs.GenericQueue); err != nil {
		removeUpload(uploadedPath)
		a.Logger.Error(err, "unable to enqueue package assembly", "app", appGUID)
		ReturnFormattedError(w, 503, "CF-ServiceUnavailable", err.Error(), 10015)
		return
	}

	a.Logger.Info(fmt.Sprintf("Queued package assembly for app %s", appGUID))
	returnJSON(w, http.StatusCreated, CFAPIV2JobResource{
		GUID:   uuid.New().String(),
		Status: "queued",
	})
}

// saveUpload copies the optional form file into dir and returns its path, or "" without one
func saveUpload(r *http.Request, field, dir, pattern string) (string, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		return "", err
	}
	defer file.Close()

	dest, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	defer dest.Close()

	if _, err := io.Copy(dest, file); err != nil {
		os.Remove(dest.Name())
		return "", err
	}
	return dest.Name(), nil
}

// RestageHandler stages the app's current package again
// POST /v2/apps/:guid/restage
// https://apidocs.cloudfoundry.org/16.22.0/apps/restage_an_app.html
func (a *AppHandler) RestageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appGUID := mux.Vars(r)["guid"]

	app, err := a.Apps.Find(ctx, appGUID)
	if err != nil {
		if repositories.IsNotFound(err) {
			returnNotFound(w, "App")
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	droplet, err := a.Stagers.StageApp(ctx, app)
	if err != nil {
		a.Logger.Info(fmt.Sprintf("Restage of app %s rejected: %s", appGUID, err))
		ReturnStagingError(w, err)
		return
	}

	returnJSON(w, http.StatusCreated, formatV2App(app, droplet))
}

func formatV2App(app *appsv1alpha1.App, droplet *appsv1alpha1.Droplet) CFAPIV2AppResource {
	state := app.Spec.DesiredState
	if state == "" {
		state = appsv1alpha1.StoppedState
	}
	return CFAPIV2AppResource{
		Metadata: CFAPIV2AppMetadata{
			GUID: app.Name,
			URL:  "/v2/apps/" + app.Name,
		},
		Entity: CFAPIV2AppEntity{
			Name:          app.Spec.Name,
			State:         string(state),
			PackageState:  "PENDING",
			Diego:         app.Spec.Diego,
			DockerImage:   app.Spec.DockerImage,
			Buildpack:     app.Spec.Buildpack,
			StagingTaskID: droplet.Name,
		},
	}
}
