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

package reconciler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/charmed-ops/wordpress-operator/internal/compiler"
	"github.com/charmed-ops/wordpress-operator/internal/config"
	"github.com/charmed-ops/wordpress-operator/internal/relation"
	"github.com/charmed-ops/wordpress-operator/internal/secrets"
	"github.com/charmed-ops/wordpress-operator/internal/workload"
	"github.com/charmed-ops/wordpress-operator/pkg/status"
)

// State is the reconciler's externally observable state.
type State string

const (
	StateBlocked  State = "blocked"
	StateWaiting  State = "waiting"
	StateApplying State = "applying"
	StateActive   State = "active"
)

// TriggerKind classifies what caused a reconciliation attempt. Triggers
// carry no facts: the reconciler always reads current snapshots at the
// moment of processing, so at-least-once or out-of-order delivery is
// harmless.
type TriggerKind string

const (
	TriggerConfigChanged   TriggerKind = "config-changed"
	TriggerRelationChanged TriggerKind = "relation-changed"
	TriggerRuntimeChanged  TriggerKind = "runtime-changed"
	TriggerPeriodic        TriggerKind = "periodic"
	TriggerRetry           TriggerKind = "retry"
)

// Trigger is an externally delivered notification that facts may have
// changed.
type Trigger struct {
	Kind TriggerKind
}

// Observation is the last-known result of a reconciliation attempt. It
// is mutated only by the reconciler and read by the status reporter and
// action handlers.
type Observation struct {
	State          State
	Reason         string
	LastApplyError string
	Address        string
	// RetryAfter is non-zero when the reconciler wants to be re-triggered
	// after a backoff delay.
	RetryAfter time.Duration
	ObservedAt time.Time
}

// StatusInput converts the observation for the status derivation.
func (o Observation) StatusInput() status.Input {
	kindFor := map[State]status.Kind{
		StateBlocked:  status.KindBlocked,
		StateWaiting:  status.KindWaiting,
		StateApplying: status.KindMaintenance,
		StateActive:   status.KindActive,
	}
	return status.Input{
		Kind:           kindFor[o.State],
		Reason:         o.Reason,
		LastApplyError: o.LastApplyError,
		Address:        o.Address,
	}
}

const (
	// recheckInterval is the period of the self-driven re-check trigger.
	recheckInterval = 5 * time.Minute

	dbEndpoint      = "db"
	ingressEndpoint = "ingress"
)

func retryBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 2 * time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
		Cap:      5 * time.Minute,
	}
}

// Reconciler converges the workload toward the state compiled from
// current facts. Events for a unit are processed to completion one at a
// time; the mutex is the no-overlap guarantee.
type Reconciler struct {
	log      logr.Logger
	runtime  workload.Runtime
	secrets  *secrets.Manager
	store    *relation.Store
	identity compiler.Identity

	mu            sync.Mutex
	cfg           *config.Config
	cfgVersion    int64
	lastApplied   *workload.Spec
	backoff       wait.Backoff
	observation   Observation
	observationMu sync.Mutex
}

func New(log logr.Logger, rt workload.Runtime, sm *secrets.Manager, store *relation.Store, id compiler.Identity) *Reconciler {
	r := &Reconciler{
		log:      log,
		runtime:  rt,
		secrets:  sm,
		store:    store,
		identity: id,
		cfg:      config.Empty(),
		backoff:  retryBackoff(),
	}
	r.setObservation(Observation{
		State:      StateWaiting,
		Reason:     status.ReasonNotConfigured,
		ObservedAt: time.Now().UTC(),
	})
	return r
}

// SetConfig replaces the configuration snapshot. Unrecognized options and
// malformed values are rejected here, at the boundary, so the compiler
// only ever sees well-formed snapshots. The caller still has to deliver a
// config-changed trigger for the new snapshot to take effect.
func (r *Reconciler) SetConfig(raw map[string]string) error {
	cfg, err := config.New(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.cfgVersion++
	r.mu.Unlock()
	return nil
}

// Observation returns a copy of the last observation.
func (r *Reconciler) Observation() Observation {
	r.observationMu.Lock()
	defer r.observationMu.Unlock()
	return r.observation
}

func (r *Reconciler) setObservation(o Observation) {
	r.observationMu.Lock()
	r.observation = o
	r.observationMu.Unlock()
}

// cycle holds all transient data for a single reconciliation attempt.
// Every phase of Process stores intermediate results here so later
// phases need no additional lookups.
type cycle struct {
	trigger      Trigger
	cfg          *config.Config
	creds        relation.DatabaseCredentials
	credsPresent bool
	secretValues map[string]string
	desired      *workload.Spec
	factsVersion factsVersion
}

// factsVersion identifies the facts snapshot an apply was issued for. A
// change in either component while an apply is in flight means the apply
// result describes a superseded spec.
type factsVersion struct {
	config int64
	store  int64
}

// Process runs one reconciliation attempt to completion. Steps up to the
// diff are observation-only and safe to repeat arbitrarily often; side
// effects are confined to the apply phase.
func (r *Reconciler) Process(ctx context.Context, trigger Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.log.WithValues("trigger", trigger.Kind)
	c := &cycle{trigger: trigger}

	r.publishRelationData(c)

	if err := r.snapshotFacts(ctx, c); err != nil {
		// A secret read failing is fatal to this attempt only; the next
		// trigger retries it.
		logger.Error(err, "snapshot failed")
		r.recordApplyFailure(c, err)
		return err
	}

	if done := r.compileDesired(logger, c); done {
		return nil
	}

	if r.lastApplied != nil && c.desired.Equal(r.lastApplied) {
		// Unchanged facts, unchanged spec: no runtime call. This is what
		// makes duplicate or repeated triggers safe.
		logger.V(1).Info("desired spec unchanged, nothing to apply")
		r.recordActive(c)
		return nil
	}

	return r.applyDesired(ctx, logger, c)
}

// publishRelationData writes this unit's side of its relations: the
// requested database name and the ingress hostname/port. Writes of
// unchanged values are no-ops in the store, so this phase is idempotent.
func (r *Reconciler) publishRelationData(c *cycle) {
	self := relation.UnitID(r.identity.Unit)
	if id, ok := r.store.Lookup(dbEndpoint); ok && r.cfg.IsSet("db_name") {
		relation.RequestDatabase(r.store, id, self, r.cfg.String("db_name"))
	}
	if id, ok := r.store.Lookup(ingressEndpoint); ok && r.cfg.Bool("use_ingress") {
		relation.PublishIngress(r.store, id, self, r.cfg.String("blog_hostname"), compiler.HTTPPort)
	}
}

// snapshotFacts gathers the current configuration, database credentials
// and already-generated secrets. No secret is created here: generation
// happens only once a differing spec is about to be applied.
func (r *Reconciler) snapshotFacts(ctx context.Context, c *cycle) error {
	c.cfg = r.cfg
	c.factsVersion = factsVersion{config: r.cfgVersion, store: r.store.Revision()}

	if id, ok := r.store.Lookup(dbEndpoint); ok {
		c.creds, c.credsPresent = relation.DatabaseCredentialsFrom(r.store, id, relation.UnitID(r.identity.Unit))
	}

	c.secretValues = make(map[string]string)
	for _, name := range compiler.SecretKeyFields {
		value, err := r.secrets.Get(ctx, name)
		if errors.Is(err, secrets.ErrNotFound) {
			continue
		}
		if err != nil {
			return &secrets.PersistenceError{Name: name, Err: err}
		}
		c.secretValues[name] = value
	}
	return nil
}

// compileDesired invokes the compiler and handles compilation failures.
// It returns true when the attempt is finished (blocked or waiting) and
// false when a desired spec is available for the diff.
func (r *Reconciler) compileDesired(logger logr.Logger, c *cycle) (done bool) {
	desired, err := compiler.Compile(compiler.Inputs{
		Config:             c.cfg,
		Credentials:        c.creds,
		CredentialsPresent: c.credsPresent,
		Secrets:            c.secretValues,
		Identity:           r.identity,
	})
	if err != nil {
		var cerr *compiler.Error
		if errors.As(err, &cerr) {
			state := StateWaiting
			if cerr.Severity == compiler.SeverityBlocked {
				state = StateBlocked
			}
			logger.Info("compilation halted", "severity", cerr.Severity, "reason", cerr.Reason)
			r.setObservation(Observation{
				State:      state,
				Reason:     cerr.Reason,
				ObservedAt: time.Now().UTC(),
			})
			return true
		}
		// The compiler only returns classified errors; treat anything
		// else as blocked so it is never silently swallowed.
		r.setObservation(Observation{
			State:      StateBlocked,
			Reason:     err.Error(),
			ObservedAt: time.Now().UTC(),
		})
		return true
	}
	c.desired = desired
	return false
}

// applyDesired is the only phase with side effects. It lazily ensures
// every generated secret exists, recompiles with the full secret set and
// pushes the result to the workload runtime. The apply is tagged with the
// facts version it was computed from; a completion for a superseded
// version is discarded rather than recorded.
func (r *Reconciler) applyDesired(ctx context.Context, logger logr.Logger, c *cycle) error {
	r.setObservation(Observation{
		State:      StateApplying,
		Reason:     status.ReasonApplyingSpec,
		ObservedAt: time.Now().UTC(),
	})

	if err := r.ensureSecrets(ctx, c); err != nil {
		logger.Error(err, "ensuring generated secrets failed")
		r.recordApplyFailure(c, err)
		return err
	}

	// Recompile with every secret present so the applied spec is the one
	// a steady-state snapshot will reproduce.
	if done := r.compileDesired(logger, c); done {
		return nil
	}

	logger.Info("applying workload spec", "spec", c.desired.String(), "hash", c.desired.Hash()[:12])
	applyErr := r.runtime.Apply(ctx, c.desired)

	if r.superseded(c) {
		// Facts moved while the blocking apply was in flight. The newer
		// trigger always wins: whatever the runtime now runs, the next
		// cycle recomputes and reconverges from current facts.
		logger.Info("apply completion discarded, facts changed during apply")
		return nil
	}

	if applyErr != nil {
		logger.Error(applyErr, "workload runtime rejected spec")
		r.recordApplyFailure(c, applyErr)
		return applyErr
	}

	r.lastApplied = c.desired
	r.backoff = retryBackoff()
	r.recordActive(c)
	logger.Info("workload spec applied", "hash", c.desired.Hash()[:12])
	return nil
}

// ensureSecrets creates, exactly once, every generated credential the
// spec embeds.
func (r *Reconciler) ensureSecrets(ctx context.Context, c *cycle) error {
	for _, name := range compiler.SecretKeyFields {
		value, err := r.secrets.GetOrCreate(ctx, name, secrets.WordPressSalt)
		if err != nil {
			return err
		}
		c.secretValues[name] = value
	}
	_, err := r.secrets.GetOrCreate(ctx, compiler.AdminPasswordSecret, secrets.AdminPassword)
	return err
}

func (r *Reconciler) superseded(c *cycle) bool {
	now := factsVersion{config: r.cfgVersion, store: r.store.Revision()}
	return now != c.factsVersion
}

// recordApplyFailure keeps the reconciler in Applying and schedules a
// bounded-backoff retry. The failure is never abandoned: the only
// terminal failure mode an operator sees is "stuck, with the reason
// reported".
func (r *Reconciler) recordApplyFailure(c *cycle, err error) {
	r.setObservation(Observation{
		State:          StateApplying,
		Reason:         status.ReasonApplyingSpec,
		LastApplyError: err.Error(),
		RetryAfter:     r.backoff.Step(),
		ObservedAt:     time.Now().UTC(),
	})
}

func (r *Reconciler) recordActive(c *cycle) {
	r.setObservation(Observation{
		State:      StateActive,
		Address:    c.cfg.String("blog_hostname"),
		ObservedAt: time.Now().UTC(),
	})
}

// Run processes triggers to completion one at a time until the context
// is cancelled. Relation store changes, the periodic re-check and backoff
// retries all feed the same loop, so no two attempts for this unit ever
// overlap.
func (r *Reconciler) Run(ctx context.Context, triggers <-chan Trigger) error {
	watch := r.store.Watch()
	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	var retry <-chan time.Time
	for {
		var trigger Trigger
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-triggers:
			if !ok {
				return nil
			}
			trigger = t
		case <-watch:
			trigger = Trigger{Kind: TriggerRelationChanged}
		case <-ticker.C:
			trigger = Trigger{Kind: TriggerPeriodic}
		case <-retry:
			trigger = Trigger{Kind: TriggerRetry}
		}

		if err := r.Process(ctx, trigger); err != nil {
			r.log.Error(err, "reconciliation attempt failed", "trigger", trigger.Kind)
		}
		retry = nil
		if after := r.Observation().RetryAfter; after > 0 {
			retry = time.After(after)
		}
	}
}
