package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/accessmesh/controlplane/internal/config"
	"github.com/accessmesh/controlplane/internal/coordinatorrouter"
	"github.com/accessmesh/controlplane/internal/instance"
	"github.com/accessmesh/controlplane/internal/nodeconfig"
	"github.com/accessmesh/controlplane/internal/orchestrator"
	"github.com/accessmesh/controlplane/internal/registry"
	"github.com/accessmesh/controlplane/internal/shardgroup"
	"github.com/accessmesh/controlplane/internal/split"
	"github.com/accessmesh/controlplane/internal/storageprovisioner"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// main assembles C1-C9 around one controller-runtime manager and starts the
// coordinator router's refresh loop as a manager Runnable. It does not
// itself expose CreateDistributedInstance/SplitShardGroup over a network
// API; that surface belongs to whatever operator tooling calls this
// library.
func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var namespace string
	var instanceName string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for the control plane process.")
	flag.StringVar(&namespace, "namespace", "default", "Namespace the managed instance's resources live in.")
	flag.StringVar(&instanceName, "instance", "am-instance", "Name of the distributed instance this process manages.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "controlplane.accessmesh",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	tunables := config.FromEnv()

	orch := orchestrator.New(mgr.GetClient(), namespace)
	renderer := nodeconfig.New(tunables.PodPort, tunables.MinimumLogLevel)
	provider := storageprovisioner.New(instanceName, &storageprovisioner.InMemoryBackend{})
	lifecycle := shardgroup.New(orch, renderer, provider, tunables)
	reg := registry.New(mgr.GetClient(), namespace)
	copier := split.NewInMemoryEventCopier()

	mgrInstance := instance.New(instanceName, orch, lifecycle, provider, reg, renderer, copier, tunables)

	httpClient := &http.Client{}
	shardClient := coordinatorrouter.NewRESTShardClient(httpClient)

	setupLog.Info("control plane assembled", "instance", instanceName, "namespace", namespace)

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	// The router only has something to route once CreateDistributedInstance
	// has provisioned ConfigStorageCredentials. The credentials are checked
	// once, when the manager starts this runnable: if they are absent then,
	// no router is started and the runnable just waits for shutdown.
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		creds := mgrInstance.Config().ConfigStorageCredentials
		if creds == nil {
			<-ctx.Done()
			return nil
		}
		router := coordinatorrouter.New(reg, *creds, shardClient, tunables.CoordinatorRefreshInterval)
		return router.Run(ctx)
	})); err != nil {
		setupLog.Error(err, "unable to add coordinator router runnable")
		os.Exit(1)
	}

	setupLog.Info("starting control plane")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running control plane")
		os.Exit(1)
	}
}
