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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	eiriniv1 "code.cloudfoundry.org/eirini/pkg/apis/eirini/v1"
	"github.com/go-logr/logr"
	buildv1alpha1 "github.com/pivotal/kpack/pkg/apis/build/v1alpha1"
	"github.com/pivotal/kpack/pkg/registry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"cloudfoundry.org/cf-crd-staging/actions"
	appsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/blobstore"
	"cloudfoundry.org/cf-crd-staging/cfshim/handlers"
	"cloudfoundry.org/cf-crd-staging/controllers"
	"cloudfoundry.org/cf-crd-staging/dea"
	"cloudfoundry.org/cf-crd-staging/jobs"
	"cloudfoundry.org/cf-crd-staging/metrics"
	"cloudfoundry.org/cf-crd-staging/repositories"
	"cloudfoundry.org/cf-crd-staging/runners"
	"cloudfoundry.org/cf-crd-staging/settings"
	"cloudfoundry.org/cf-crd-staging/stagers"
	//+kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(appsv1alpha1.AddToScheme(scheme))
	utilruntime.Must(buildv1alpha1.AddToScheme(scheme))
	utilruntime.Must(eiriniv1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

type options struct {
	settingsPath         string
	metricsAddr          string
	probeAddr            string
	enableLeaderElection bool
	zap                  zap.Options
}

func main() {
	opts := &options{
		zap: zap.Options{
			Development: true,
		},
	}

	cmd := &cobra.Command{
		Use:          "cf-crd-staging",
		Short:        "Runs the staging controllers and the CF API shim",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts.zap)))
			return run(opts)
		},
	}

	opts.bindFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) bindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.settingsPath, "settings", "", "Path to a settings file. Settings are otherwise read from the environment.")
	flags.StringVar(&o.metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flags.StringVar(&o.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flags.BoolVar(&o.enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")

	zapFlags := flag.NewFlagSet("zap", flag.ExitOnError)
	o.zap.BindFlags(zapFlags)
	flags.AddGoFlagSet(zapFlags)
}

func run(opts *options) error {
	config, err := settings.Load(opts.settingsPath)
	if err != nil {
		setupLog.Error(err, "error loading settings")
		return err
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		MetricsBindAddress:     opts.metricsAddr,
		Port:                   9443,
		HealthProbeBindAddress: opts.probeAddr,
		LeaderElection:         opts.enableLeaderElection,
		LeaderElectionID:       "5c01fff0.cloudfoundry.org",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	recorder := metrics.NewRecorder(true)
	k8sClient := mgr.GetClient()

	apps := repositories.NewAppRepository(k8sClient, config.Namespace)
	packages := repositories.NewPackageRepository(k8sClient, config.Namespace)
	droplets := repositories.NewDropletRepository(k8sClient, config.Namespace)
	buildpacks := repositories.NewBuildpackRepository(k8sClient)
	featureFlags := repositories.NewFeatureFlagStore(k8sClient, config.Namespace, config.FeatureFlagsConfigMap)

	// the API reader is usable before the manager's cache has started
	keychainFactory := &blobstore.SecretKeychainFactory{Client: mgr.GetAPIReader()}
	keychain, err := keychainFactory.KeychainForSecretRef(context.Background(), registry.SecretRef{
		Namespace:        config.Namespace,
		ImagePullSecrets: []corev1.LocalObjectReference{{Name: config.RegistrySecret}},
	})
	if err != nil {
		setupLog.Error(err, "unable to read registry credentials", "secret", config.RegistrySecret)
		return err
	}

	bits := blobstore.NewBitsClient(config.BitsServiceURL, ctrl.Log.WithName("bits-service"))
	blobstores := jobs.Blobstores{
		jobs.DropletBlobstore: blobstore.NewRegistryBlobstore(config.RegistryTagBase, keychain),
	}
	if config.PackageBlobstore == settings.BitsPackageBlobstore {
		blobstores[jobs.PackageBlobstore] = bits
	} else {
		blobstores[jobs.PackageBlobstore] = blobstore.NewRegistryBlobstore(config.PackageRegistryBase, keychain)
	}

	queues := jobs.NewQueues(ctrl.Log.WithName("jobs"), recorder, config.JobWorkers, config.JobMaxAttempts,
		jobs.GenericQueue, jobs.LocalQueue)
	if err = mgr.Add(queues); err != nil {
		setupLog.Error(err, "unable to add job queues")
		return err
	}

	packer := jobs.NewPacker(jobs.PackerConfig{
		Apps:     apps,
		Packages: packages,
		Bits:     bits,
		TmpDir:   config.TmpDir,
		Logger:   ctrl.Log.WithName("jobs").WithName("external-packer"),
	})
	packageDelete := actions.NewPackageDelete(queues, packages,
		blobstore.KeyResolver{ContentAddressing: config.BitsServiceEnabled}, blobstores,
		ctrl.Log.WithName("actions").WithName("package-delete"))

	appRunners := runners.NewRunners(k8sClient, apps, ctrl.Log.WithName("runners"))

	legacyBackend, err := newLegacyBackend(mgr, config, apps, droplets, buildpacks, appRunners, recorder)
	if err != nil {
		return err
	}

	staging := stagers.NewStagers(stagers.Config{
		Client:       k8sClient,
		Apps:         apps,
		Packages:     packages,
		Droplets:     droplets,
		FeatureFlags: featureFlags,
		Buildpacks:   buildpacks,
		Runners:      appRunners,
		Images:       &stagers.RegistryImageConfigFetcher{KeychainFactory: keychainFactory},
		Kpack: stagers.KpackConfig{
			RegistryTagBase:     config.RegistryTagBase,
			PackageRegistryBase: config.PackageRegistryBase,
			Builder:             config.KpackBuilder,
			ServiceAccount:      config.KpackServiceAccount,
		},
		NewLegacyStager:          legacyBackend.StagerFor,
		CustomBuildpacksDisabled: config.DisableCustomBuildpacks,
		StagingMemoryMB:          config.StagingMemoryMB,
		StagingDiskMB:            config.StagingDiskMB,
		DefaultStack:             config.DefaultStack,
		Recorder:                 recorder,
		Logger:                   ctrl.Log.WithName("stagers"),
	})

	if err = (&controllers.AppReconciler{
		Client: k8sClient,
		Scheme: mgr.GetScheme(),
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "App")
		return err
	}
	if err = (&controllers.BuildReconciler{
		Client:          k8sClient,
		Scheme:          mgr.GetScheme(),
		Stagers:         staging,
		Droplets:        droplets,
		StagingMemoryMB: config.StagingMemoryMB,
		StagingDiskMB:   config.StagingDiskMB,
		DefaultStack:    config.DefaultStack,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Build")
		return err
	}
	if err = (&controllers.CFKpackBuildReconciler{
		Client:   k8sClient,
		Scheme:   mgr.GetScheme(),
		Stagers:  staging,
		Droplets: droplets,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "CFKpackBuildReconciler")
		return err
	}
	//+kubebuilder:scaffold:builder

	if err = mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err = mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	shimLog := ctrl.Log.WithName("shim")
	shim := &handlers.Handlers{
		Apps: &handlers.AppHandler{
			Apps:     apps,
			Packer:   packer,
			Enqueuer: queues,
			Stagers:  staging,
			TmpDir:   config.TmpDir,
			Logger:   shimLog.WithName("apps"),
		},
		Packages: &handlers.PackageHandler{
			Client:    k8sClient,
			Namespace: config.Namespace,
			Apps:      apps,
			Packages:  packages,
			Deleter:   packageDelete,
			Packer:    packer,
			Enqueuer:  queues,
			TmpDir:    config.TmpDir,
			Logger:    shimLog.WithName("packages"),
		},
		Builds: &handlers.BuildHandler{
			Client:       k8sClient,
			Packages:     packages,
			Namespace:    config.Namespace,
			DefaultStack: config.DefaultStack,
			Logger:       shimLog.WithName("builds"),
		},
		Staging: &handlers.StagingHandler{
			Droplets: droplets,
			Stagers:  staging,
			Logger:   shimLog.WithName("staging"),
		},
	}
	if err = mgr.Add(shimServer(config.ShimAddress, shim.Router(), shimLog)); err != nil {
		setupLog.Error(err, "unable to add shim server")
		return err
	}

	setupLog.Info("starting manager")
	if err = mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}
	return nil
}

func newLegacyBackend(mgr manager.Manager, config *settings.Settings, apps *repositories.AppRepository,
	droplets *repositories.DropletRepository, buildpacks *repositories.BuildpackRepository,
	appRunners *runners.Runners, recorder *metrics.Recorder) (*dea.Backend, error) {
	if config.NatsURL == "" {
		err := errors.New("NATS_URL not configured")
		setupLog.Error(err, "legacy staging needs a message bus")
		return nil, err
	}

	logger := ctrl.Log.WithName("dea")
	bus, err := dea.NewNatsMessageBus(config.NatsURL, logger.WithName("bus"))
	if err != nil {
		setupLog.Error(err, "unable to connect to NATS", "url", config.NatsURL)
		return nil, err
	}

	pool := dea.NewStagerPool(logger.WithName("pool"))
	if _, err = pool.Register(bus); err != nil {
		setupLog.Error(err, "unable to subscribe to stager advertisements")
		return nil, err
	}

	err = mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return bus.Close()
	}))
	if err != nil {
		return nil, err
	}

	return dea.NewBackend(dea.Config{
		Bus:        bus,
		Pool:       pool,
		Tasks:      dea.NewTaskRegistry(),
		URLs:       dea.NewURLGenerator(config.ShimExternalURL),
		Apps:       apps,
		Droplets:   droplets,
		Buildpacks: buildpacks,
		Runners:    appRunners,
		Recorder:   recorder,
		Logger:     logger,
	}), nil
}

// shimServer serves the CF API shim until the manager stops
func shimServer(addr string, router http.Handler, logger logr.Logger) manager.RunnableFunc {
	return func(ctx context.Context) error {
		server := &http.Server{Addr: addr, Handler: router}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error(err, "shim server shutdown")
			}
		}()

		logger.Info("Starting shim handler", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
