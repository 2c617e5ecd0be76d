package handlers

import (
	"encoding/json"
	"net/http"

	"cloudfoundry.org/cf-crd-staging/stagers"
)

// Staging validation reasons as the CF API reports them
var stagingErrors = map[string]cfError{
	stagers.DockerDisabled:           {status: http.StatusForbidden, title: "CF-DockerDisabled", code: 320003},
	stagers.AppPackageInvalid:        {status: http.StatusUnprocessableEntity, title: "CF-AppPackageInvalid", code: 150001},
	stagers.CustomBuildpacksDisabled: {status: http.StatusBadRequest, title: "CF-CustomBuildpacksDisabled", code: 170016},
	stagers.NoBuildpacksFound:        {status: http.StatusUnprocessableEntity, title: "CF-NoBuildpacksFound", code: 170006},
}

func ReturnFormattedError(w http.ResponseWriter, status int, title string, detail string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(CFAPIErrors{
		Errors: []CFAPIError{
			{
				Title:  title,
				Detail: detail,
				Code:   code,
			},
		},
	})
}

// ReturnStagingError writes a staging validation failure in CF format, anything else as a server error
func ReturnStagingError(w http.ResponseWriter, err error) {
	if validationErr, ok := stagers.IsValidationError(err); ok {
		if mapped, known := stagingErrors[validationErr.Reason]; known {
			ReturnFormattedError(w, mapped.status, mapped.title, validationErr.Error(), mapped.code)
			return
		}
		ReturnFormattedError(w, http.StatusUnprocessableEntity, "CF-UnprocessableEntity", validationErr.Error(), 10008)
		return
	}
	ReturnFormattedError(w, http.StatusInternalServerError, "ServerError", err.Error(), 10001)
}

func returnNotFound(w http.ResponseWriter, resource string) {
	ReturnFormattedError(w, http.StatusNotFound, "CF-ResourceNotFound", resource+" not found", 10010)
}

func returnJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
