/*
Copyright 2024.

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
	"flag"
	"fmt"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/yaml"

	"github.com/charmed-ops/wordpress-operator/internal/compiler"
	"github.com/charmed-ops/wordpress-operator/internal/reconciler"
	"github.com/charmed-ops/wordpress-operator/internal/relation"
	"github.com/charmed-ops/wordpress-operator/internal/secrets"
	kubesecrets "github.com/charmed-ops/wordpress-operator/internal/secrets/kube"
	workloadkube "github.com/charmed-ops/wordpress-operator/internal/workload/kube"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var (
		namespace  string
		app        string
		unit       string
		configFile string
	)
	flag.StringVar(&namespace, "namespace", "default", "Namespace the workload runs in.")
	flag.StringVar(&app, "app", "wordpress", "Application name; used for the workload object names.")
	flag.StringVar(&unit, "unit", "wordpress/0", "Unit name of this operator instance.")
	flag.StringVar(&configFile, "config", "", "Path to the unit configuration file (YAML mapping of option name to value).")

	opts := zap.Options{Development: false}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	restCfg := ctrl.GetConfigOrDie()
	k8sClient, err := client.New(restCfg, client.Options{})
	if err != nil {
		setupLog.Error(err, "unable to create kubernetes client")
		os.Exit(1)
	}

	store := relation.NewStore()
	secretManager := secrets.NewManager(
		kubesecrets.NewStore(k8sClient, namespace, fmt.Sprintf("%s-operator-secrets", app)))
	runtime := workloadkube.NewRuntime(k8sClient, ctrl.Log.WithName("workload"), namespace, app)

	rec := reconciler.New(
		ctrl.Log.WithName("reconciler"),
		runtime,
		secretManager,
		store,
		compiler.Identity{App: app, Unit: unit},
	)

	if configFile != "" {
		raw, err := loadConfig(configFile)
		if err != nil {
			setupLog.Error(err, "unable to load configuration", "path", configFile)
			os.Exit(1)
		}
		if err := rec.SetConfig(raw); err != nil {
			setupLog.Error(err, "invalid configuration", "path", configFile)
			os.Exit(1)
		}
	}

	triggers := make(chan reconciler.Trigger, 1)
	triggers <- reconciler.Trigger{Kind: reconciler.TriggerConfigChanged}

	setupLog.Info("starting reconciler", "app", app, "unit", unit, "namespace", namespace)
	ctx := ctrl.SetupSignalHandler()
	if err := rec.Run(ctx, triggers); err != nil && ctx.Err() == nil {
		setupLog.Error(err, "reconciler stopped")
		os.Exit(1)
	}
}

func loadConfig(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return raw, nil
}
