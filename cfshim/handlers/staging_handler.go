package handlers

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	appsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/repositories"
)

const (
	StagingCompletedEndpoint = "/internal/dea/staging/{staging_guid}/completed"

	maxCompletionBody = 1 << 20
)

type DropletFinder interface {
	Find(ctx context.Context, stagingGUID string) (*appsv1alpha1.Droplet, error)
}

type CompletionRouter interface {
	StagingComplete(ctx context.Context, droplet *appsv1alpha1.Droplet, payload []byte) error
}

type StagingHandler struct {
	Droplets DropletFinder
	Stagers  CompletionRouter
	Logger   logr.Logger
}

// StagingCompletedHandler receives the outcome of a staging task from the backend that ran it
// POST /internal/dea/staging/:staging_guid/completed
func (s *StagingHandler) StagingCompletedHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()
	stagingGUID := mux.Vars(r)["staging_guid"]

	payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxCompletionBody))
	if err != nil {
		ReturnFormattedError(w, 400, "CF-MessageParseError", "Request invalid due to parse error: invalid request body", 1001)
		return
	}

	droplet, err := s.Droplets.Find(ctx, stagingGUID)
	if err != nil {
		if repositories.IsNotFound(err) {
			returnNotFound(w, "Droplet")
			return
		}
		ReturnFormattedError(w, 500, "ServerError", err.Error(), 10001)
		return
	}

	if err := s.Stagers.StagingComplete(ctx, droplet, payload); err != nil {
		s.Logger.Error(err, "unable to complete staging", "stagingGuid", stagingGUID)
		ReturnFormattedError(w, 500, "CF-StagerError", fmt.Sprintf("Stager error: %s", err), 170001)
		return
	}

	w.WriteHeader(http.StatusOK)
}
