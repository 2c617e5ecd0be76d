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

package runners

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
)

// DEARunner hands the staged droplet to the legacy agents. Setting the current
// droplet is enough: the App reconciler turns it into Process resources.
type DEARunner struct {
	appGUID string
	apps    AppStore
	logger  logr.Logger
}

func (r *DEARunner) Start(ctx context.Context, result StagingResult) error {
	if _, err := promote(ctx, r.apps, r.appGUID, result); err != nil {
		return err
	}
	r.logger.Info(fmt.Sprintf("Started app with droplet %s", result.DropletGUID))
	return nil
}
