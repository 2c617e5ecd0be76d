package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	appsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/repositories"
)

// Define the routes used in the REST endpoints
const (
	BuildsEndpoint    = "/v3/builds"
	GetBuildsEndpoint = BuildsEndpoint + "/{guid}"
)

type BuildHandler struct {
	// This is a Kuberentes client, contains authentication and context stuff for running K8s queries
	Client       client.Client
	Packages     PackageFinder
	Namespace    string
	DefaultStack string
	Logger       logr.Logger
}

// GetBuildHandler is for getting a single build from the guid
// GET /v3/builds/:guid
// https://v3-apidocs.cloudfoundry.org/version/3.101.0/index.html#get-a-build
func (b *BuildHandler) GetBuildHandler(w http.ResponseWriter, r *http.Request) {
	buildGUID := mux.Vars(r)["guid"]

	build := new(appsv1alpha1.Build)
	if err := b.Client.Get(r.Context(), types.NamespacedName{Name: buildGUID, Namespace: b.Namespace}, build); err != nil {
		if apierrors.IsNotFound(err) {
			returnNotFound(w, "Build")
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	returnJSON(w, http.StatusOK, formatBuildToPresenter(build))
}

// CreateBuildsHandler records a Build for a package; the build reconciler stages it
// POST /v3/builds
// https://v3-apidocs.cloudfoundry.org/version/3.101.0/index.html#create-a-build
func (b *BuildHandler) CreateBuildsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()

	var buildRequest CFAPIBuildResource

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&buildRequest); err != nil {
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			field := strings.TrimPrefix(err.Error(), "json: unknown field ")
			ReturnFormattedError(w, 422, "CF-UnprocessableEntity", fmt.Sprintf("Unknown field(s): %s", field), 10008)
			return
		}
		b.Logger.Info(fmt.Sprintf("error parsing request: %s", err))
		ReturnFormattedError(w, 400, "CF-MessageParseError", "Request invalid due to parse error: invalid request body", 1001)
		return
	}

	if buildRequest.Package == nil || buildRequest.Package.GUID == "" {
		ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "Package must be a hash", 10008)
		return
	}

	lifecycleType := appsv1alpha1.LifecycleType(buildRequest.Lifecycle.Type)
	if lifecycleType == "" {
		lifecycleType = appsv1alpha1.BuildpackLifecycle
	}

	lifecycleData := buildRequest.Lifecycle.Data
	if lifecycleType == appsv1alpha1.BuildpackLifecycle && lifecycleData.Stack == "" {
		lifecycleData.Stack = b.DefaultStack
	}
	if lifecycleType == appsv1alpha1.BuildpackLifecycle && len(lifecycleData.Buildpacks) == 0 {
		lifecycleData.Buildpacks = []string{}
	}

	buildPackage, err := b.Packages.Find(ctx, buildRequest.Package.GUID)
	if err != nil {
		if repositories.IsNotFound(err) {
			ReturnFormattedError(w, 422, "CF-UnprocessableEntity", "Unable to use package. Ensure that the package exists and you have access to it.", 10008)
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	if buildRequest.Metadata.Labels == nil {
		buildRequest.Metadata.Labels = make(map[string]string)
	}
	buildRequest.Metadata.Labels[appsv1alpha1.AppGUIDLabel] = buildPackage.Spec.AppRef.Name
	buildRequest.Metadata.Labels[appsv1alpha1.PackageGUIDLabel] = buildPackage.Name

	build := &appsv1alpha1.Build{
		ObjectMeta: metav1.ObjectMeta{
			Name:        uuid.New().String(),
			Namespace:   buildPackage.Namespace,
			Labels:      buildRequest.Metadata.Labels,
			Annotations: buildRequest.Metadata.Annotations,
		},
		Spec: appsv1alpha1.BuildSpec{
			Type: lifecycleType,
			LifecycleData: appsv1alpha1.LifecycleData{
				Buildpacks: lifecycleData.Buildpacks,
				Stack:      lifecycleData.Stack,
			},
			PackageRef: appsv1alpha1.PackageReference{
				Kind:       "Package",
				APIVersion: appsv1alpha1.GroupVersion.String(),
				Name:       buildPackage.Name,
			},
			AppRef: appsv1alpha1.ApplicationReference{
				Kind:       "App",
				APIVersion: appsv1alpha1.GroupVersion.String(),
				Name:       buildPackage.Spec.AppRef.Name,
			},
			StagingMemoryMB: buildRequest.StagingMemoryMB,
			StagingDiskMB:   buildRequest.StagingDiskMB,
		},
	}

	if err := b.Client.Create(ctx, build); err != nil {
		b.Logger.Error(err, "error creating Build object")
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	returnJSON(w, http.StatusCreated, formatBuildToPresenter(build))
}

func formatBuildToPresenter(build *appsv1alpha1.Build) CFAPIBuildResource {
	state := "STAGING"
	var errorMessage *string
	if succeeded := meta.FindStatusCondition(build.Status.Conditions, appsv1alpha1.SucceededConditionType); succeeded != nil {
		switch succeeded.Status {
		case metav1.ConditionTrue:
			state = "STAGED"
		case metav1.ConditionFalse:
			state = "FAILED"
			message := succeeded.Message
			errorMessage = &message
		}
	}

	return CFAPIBuildResource{
		GUID:            build.Name,
		State:           state,
		Error:           errorMessage,
		CreatedAt:       build.CreationTimestamp.UTC().Format(time.RFC3339),
		UpdatedAt:       build.CreationTimestamp.UTC().Format(time.RFC3339),
		StagingMemoryMB: build.Spec.StagingMemoryMB,
		StagingDiskMB:   build.Spec.StagingDiskMB,
		Lifecycle: CFAPILifecycle{
			Type: string(build.Spec.Type),
			Data: CFAPIBuildLifecycleData{
				Buildpacks: build.Spec.LifecycleData.Buildpacks,
				Stack:      build.Spec.LifecycleData.Stack,
			},
		},
		Package: &CFAPIBuildPackage{GUID: build.Spec.PackageRef.Name},
		Droplet: CFAPIBuildDroplet{GUID: build.Status.DropletRef.Name},
		Relationships: CFAPIBuildRelationships{
			App: CFAPIBuildRelationshipsApps{
				Data: CFAPIBuildRelationshipsAppsData{GUID: build.Spec.AppRef.Name},
			},
		},
		Links: map[string]CFAPILink{
			"self": {Href: BuildsEndpoint + "/" + build.Name},
			"app":  {Href: "/v3/apps/" + build.Spec.AppRef.Name},
		},
		Metadata: CFAPIMetadata{
			Labels:      build.Labels,
			Annotations: build.Annotations,
		},
	}
}
