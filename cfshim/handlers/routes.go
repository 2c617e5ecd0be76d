package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

type Handlers struct {
	Apps     *AppHandler
	Packages *PackageHandler
	Builds   *BuildHandler
	Staging  *StagingHandler
}

// Router wires every shim endpoint onto a gorilla/mux router
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(AppBitsEndpoint, h.Apps.UploadBitsHandler).Methods(http.MethodPut)
	router.HandleFunc(AppRestageEndpoint, h.Apps.RestageHandler).Methods(http.MethodPost)
	router.HandleFunc(PackageEndpoint, h.Packages.CreatePackageHandler).Methods(http.MethodPost)
	router.HandleFunc(UploadPackageEndpoint, h.Packages.UploadPackageBitsHandler).Methods(http.MethodPost)
	router.HandleFunc(DeletePackageEndpoint, h.Packages.DeletePackageHandler).Methods(http.MethodDelete)
	router.HandleFunc(BuildsEndpoint, h.Builds.CreateBuildsHandler).Methods(http.MethodPost)
	router.HandleFunc(GetBuildsEndpoint, h.Builds.GetBuildHandler).Methods(http.MethodGet)
	router.HandleFunc(StagingCompletedEndpoint, h.Staging.StagingCompletedHandler).Methods(http.MethodPost)
	return router
}
