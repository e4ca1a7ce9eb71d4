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

package scenarios

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/charmed-ops/wordpress-operator/internal/actions"
	"github.com/charmed-ops/wordpress-operator/internal/compiler"
	"github.com/charmed-ops/wordpress-operator/internal/reconciler"
	"github.com/charmed-ops/wordpress-operator/internal/relation"
	"github.com/charmed-ops/wordpress-operator/internal/secrets"
	secretskube "github.com/charmed-ops/wordpress-operator/internal/secrets/kube"
	"github.com/charmed-ops/wordpress-operator/internal/workload"
	"github.com/charmed-ops/wordpress-operator/pkg/status"
)

// recordingRuntime stands in for the cluster: it accepts or rejects
// specs on command and remembers everything it accepted.
type recordingRuntime struct {
	mu      sync.Mutex
	applied []*workload.Spec
	reject  int
}

func (r *recordingRuntime) Apply(_ context.Context, spec *workload.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject > 0 {
		r.reject--
		return errors.New("apply rejected")
	}
	r.applied = append(r.applied, spec)
	return nil
}

func (r *recordingRuntime) Ready(context.Context) (bool, error) { return true, nil }

func (r *recordingRuntime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

var _ = Describe("WordPress operator", func() {
	var (
		rt      *recordingRuntime
		store   *relation.Store
		manager *secrets.Manager
		rec     *reconciler.Reconciler
		handler *actions.Handler
	)

	BeforeEach(func() {
		scheme := runtime.NewScheme()
		Expect(corev1.AddToScheme(scheme)).To(Succeed())
		c := fake.NewClientBuilder().WithScheme(scheme).Build()

		rt = &recordingRuntime{}
		store = relation.NewStore()
		manager = secrets.NewManager(secretskube.NewStore(c, "default", "wordpress-operator-secrets"))
		rec = reconciler.New(log.Log, rt, manager, store,
			compiler.Identity{App: "wordpress", Unit: "wordpress/0"})
		handler = actions.NewHandler(manager)
	})

	configure := func() {
		Expect(rec.SetConfig(map[string]string{
			"image":         "wordpress:6",
			"blog_hostname": "blog.example.com",
		})).To(Succeed())
	}

	connectDB := func() relation.ID {
		id := store.Establish("db")
		store.Write(id, "mysql/0", relation.DBKeyHost, "mysql.example")
		store.Write(id, "mysql/0", relation.DBKeyPort, "3306")
		store.Write(id, "mysql/0", relation.DBKeyDatabase, "wordpress")
		store.Write(id, "mysql/0", relation.DBKeyUser, "wp")
		store.Write(id, "mysql/0", relation.DBKeyPassword, "hunter2")
		return id
	}

	process := func(kind reconciler.TriggerKind) {
		GinkgoHelper()
		Expect(rec.Process(context.Background(), reconciler.Trigger{Kind: kind})).To(Succeed())
	}

	derive := func() status.Status {
		return status.Derive(rec.Observation().StatusInput())
	}

	Context("before the database relation exists", func() {
		It("waits without touching the workload", func() {
			configure()
			process(reconciler.TriggerConfigChanged)

			Expect(derive().Kind).To(Equal(status.KindWaiting))
			Expect(derive().Message).To(ContainSubstring("database"))
			Expect(rt.count()).To(BeZero())
		})
	})

	Context("when the database relation provides credentials", func() {
		It("applies exactly once and reports active", func() {
			configure()
			connectDB()

			process(reconciler.TriggerRelationChanged)
			Expect(derive().Kind).To(Equal(status.KindActive))
			Expect(rt.count()).To(Equal(1))

			spec := rt.applied[0]
			Expect(spec.Env).To(HaveKeyWithValue("WORDPRESS_DB_HOST", "mysql.example"))
			Expect(spec.Env).To(HaveKeyWithValue("WORDPRESS_DB_PASSWORD", "hunter2"))
			Expect(spec.Files).To(HaveKey(compiler.WpConfigPath))

			// A redelivered event finds nothing to do.
			process(reconciler.TriggerRelationChanged)
			Expect(rt.count()).To(Equal(1))
			Expect(derive().Kind).To(Equal(status.KindActive))
		})

		It("keeps generated salts stable across reconfiguration", func() {
			configure()
			connectDB()
			process(reconciler.TriggerRelationChanged)

			Expect(rec.SetConfig(map[string]string{
				"image":         "wordpress:6.1",
				"blog_hostname": "blog.example.com",
			})).To(Succeed())
			process(reconciler.TriggerConfigChanged)

			Expect(rt.count()).To(Equal(2))
			first := rt.applied[0].Files[compiler.WpConfigPath]
			second := rt.applied[1].Files[compiler.WpConfigPath]
			for _, field := range compiler.SecretKeyFields {
				v, err := manager.Get(context.Background(), field)
				Expect(err).NotTo(HaveOccurred())
				Expect(first).To(ContainSubstring(v))
				Expect(second).To(ContainSubstring(v))
			}
		})
	})

	Context("the initial password action", func() {
		It("fails before the first apply and is stable after it", func() {
			configure()

			_, err := handler.GetInitialPassword(context.Background())
			var notReady *actions.NotReadyError
			Expect(errors.As(err, &notReady)).To(BeTrue())

			connectDB()
			process(reconciler.TriggerRelationChanged)

			first, err := handler.GetInitialPassword(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(HaveLen(secrets.AdminPasswordLength))

			second, err := handler.GetInitialPassword(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})
	})

	Context("when the runtime rejects the spec", func() {
		It("stays in maintenance with backoff and recovers without drift", func() {
			configure()
			connectDB()
			rt.reject = 3

			for i := 0; i < 3; i++ {
				err := rec.Process(context.Background(), reconciler.Trigger{Kind: reconciler.TriggerRetry})
				Expect(err).To(HaveOccurred())
				obs := rec.Observation()
				Expect(derive().Kind).To(Equal(status.KindMaintenance))
				Expect(derive().Message).To(ContainSubstring("apply rejected"))
				Expect(obs.RetryAfter).To(BeNumerically(">", 0))
			}

			process(reconciler.TriggerRetry)
			Expect(derive().Kind).To(Equal(status.KindActive))
			Expect(rt.count()).To(Equal(1))

			// Steady state after recovery: nothing left to apply.
			process(reconciler.TriggerPeriodic)
			Expect(rt.count()).To(Equal(1))
		})
	})

	Context("when the relation goes away", func() {
		It("returns to waiting and reconverges when it comes back", func() {
			configure()
			id := connectDB()
			process(reconciler.TriggerRelationChanged)
			Expect(derive().Kind).To(Equal(status.KindActive))

			store.RemoveRelation(id)
			process(reconciler.TriggerRelationChanged)
			Expect(derive().Kind).To(Equal(status.KindWaiting))

			connectDB()
			process(reconciler.TriggerRelationChanged)
			Expect(derive().Kind).To(Equal(status.KindActive))
		})
	})
})
