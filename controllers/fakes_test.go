package controllers_test

import (
	"context"
	"encoding/json"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

type fakePackageStagers struct {
	stager     *fakeStager
	err        error
	lifecycles []cfappsv1alpha1.LifecycleType
}

func (f *fakePackageStagers) StagerForPackage(_ *cfappsv1alpha1.Package, lifecycle cfappsv1alpha1.LifecycleType) (stagers.Stager, error) {
	f.lifecycles = append(f.lifecycles, lifecycle)
	if f.err != nil {
		return nil, f.err
	}
	return f.stager, nil
}

type fakeStager struct {
	staged  []stagers.StagingDetails
	onStage func(ctx context.Context, details stagers.StagingDetails) error
}

func (f *fakeStager) Stage(ctx context.Context, details stagers.StagingDetails) error {
	f.staged = append(f.staged, details)
	if f.onStage != nil {
		return f.onStage(ctx, details)
	}
	return nil
}

func (f *fakeStager) StagingComplete(context.Context, *cfappsv1alpha1.Droplet, []byte) error {
	return nil
}

func (f *fakeStager) StopStage(context.Context, string) error {
	return nil
}

type completion struct {
	dropletGUID string
	payload     stagers.CompletionPayload
}

type fakeCompletionRouter struct {
	completions []completion
	err         error
}

func (f *fakeCompletionRouter) StagingComplete(_ context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error {
	var decoded stagers.CompletionPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	f.completions = append(f.completions, completion{dropletGUID: droplet.Name, payload: decoded})
	return f.err
}
