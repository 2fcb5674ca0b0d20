/*
Copyright 2026.

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

package webhook

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	internalmetrics "github.com/nforgeio/operator-sdk-sub002/internal/metrics"
	"github.com/nforgeio/operator-sdk-sub002/pkg/log"
	"github.com/nforgeio/operator-sdk-sub002/pkg/patch"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// Registration binds a path to a set of routing rules and exactly one of a
// validating or mutating handler (spec §4.G).
type Registration struct {
	Path          string
	Name          string
	Rules         []Rule
	FailurePolicy FailurePolicy
	Validating    ValidatingHandler
	Mutating      MutatingHandler
}

// Options configures the WebhookServer (spec §6: listenAddress, port).
type Options struct {
	ListenAddress string
	Port          int
	// CertFile/KeyFile are watched for changes and hot-reloaded (see
	// certwatcher.go). If either is empty, Start serves plain HTTP.
	CertFile string
	KeyFile  string
}

// Server is the WebhookServer (spec §4.G).
type Server struct {
	opts Options

	mutex         sync.RWMutex
	registrations map[string]Registration

	httpServer *http.Server
	certs      *certWatcher
}

func New(opts Options) *Server {
	return &Server{
		opts:          opts,
		registrations: make(map[string]Registration),
	}
}

// Register adds a webhook registration. Path collisions are rejected.
func (s *Server) Register(reg Registration) error {
	if reg.Validating == nil && reg.Mutating == nil {
		return errors.New("webhook registration must supply a validating or mutating handler")
	}
	if reg.Validating != nil && reg.Mutating != nil {
		return errors.New("webhook registration must not supply both a validating and a mutating handler")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.registrations[reg.Path]; exists {
		return errors.Errorf("path %q already registered", reg.Path)
	}
	s.registrations[reg.Path] = reg
	return nil
}

// Start serves HTTPS (plain HTTP when CertFile or KeyFile is unset) until ctx
// is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.mutex.RLock()
	for path, reg := range s.registrations {
		mux.HandleFunc(path, s.handlerFor(reg))
	}
	s.mutex.RUnlock()

	addr := s.opts.ListenAddress
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.httpServer = &http.Server{
		Addr:    formatAddr(addr, s.opts.Port),
		Handler: mux,
	}

	if s.opts.CertFile != "" && s.opts.KeyFile != "" {
		watcher, err := newCertWatcher(s.opts.CertFile, s.opts.KeyFile)
		if err != nil {
			return errors.Wrap(err, "failed to start certificate watcher")
		}
		s.certs = watcher
		go watcher.run(ctx)
		s.httpServer.TLSConfig = &tls.Config{GetCertificate: watcher.getCertificate}
	}

	errCh := make(chan error, 1)
	go func() {
		if s.httpServer.TLSConfig != nil {
			errCh <- s.httpServer.ListenAndServeTLS("", "")
		} else {
			errCh <- s.httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func formatAddr(host string, port int) string {
	if port == 0 {
		port = 9443
	}
	return host + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Server) handlerFor(reg Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := log.FromContext(ctx).WithValues("webhook", reg.Name)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		var envelope admissionReviewEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Request == nil {
			http.Error(w, "malformed AdmissionReview", http.StatusBadRequest)
			return
		}

		resp := s.dispatch(ctx, reg, envelope.Request, logger)

		out := admissionReviewEnvelope{
			APIVersion: "admission.k8s.io/v1",
			Kind:       "AdmissionReview",
			Response:   toWireResponse(envelope.Request.UID, resp),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// dispatch routes req to the registration's handler and, for mutations,
// synthesizes the JSON patch (spec §4.G). response.uid always equals the
// request uid (spec §8 "webhook uid echo" invariant) — enforced in
// toWireResponse, not here, so it can never be missed by a future handler.
func (s *Server) dispatch(ctx context.Context, reg Registration, wreq *wireRequest, logger interface {
	Info(string, ...any)
}) AdmissionResponse {
	req, err := fromWireRequest(wreq)
	if err != nil {
		outcome := "internal-error"
		internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, outcome).Inc()
		return failureResponse(reg.FailurePolicy, err.Error())
	}

	matched := false
	for _, rule := range reg.Rules {
		scope := Namespaced
		if req.Namespace == "" {
			scope = Cluster
		}
		if rule.matches(req.GVR, req.Operation, scope) {
			matched = true
			break
		}
	}
	if !matched {
		internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, "unmatched").Inc()
		return AdmissionResponse{Allowed: true}
	}

	defer func() {
		if p := recover(); p != nil {
			internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, "panic").Inc()
		}
	}()

	if reg.Validating != nil {
		allowed, message := reg.Validating(req)
		outcome := "allowed"
		if !allowed {
			outcome = "denied"
			if message == "" {
				message = "admission denied"
			}
		}
		internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, outcome).Inc()
		return AdmissionResponse{Allowed: allowed, Message: message}
	}

	mutated, allowed, message := reg.Mutating(req)
	if !allowed {
		internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, "denied").Inc()
		if message == "" {
			message = "admission denied"
		}
		return AdmissionResponse{Allowed: false, Message: message}
	}

	oldTree, err := patch.Decode(mustMarshal(req.Object))
	if err != nil {
		internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, "internal-error").Inc()
		return failureResponse(reg.FailurePolicy, "failed decoding object for diff")
	}
	newTree, err := patch.Decode(mustMarshal(mutated))
	if err != nil {
		internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, "internal-error").Inc()
		return failureResponse(reg.FailurePolicy, "failed decoding mutated object for diff")
	}

	jsonPatch := patch.Build(oldTree, newTree)
	internalmetrics.WebhookRequestsTotal.WithLabelValues(reg.Name, "allowed").Inc()
	if len(jsonPatch) == 0 {
		return AdmissionResponse{Allowed: true}
	}
	encoded, _ := json.Marshal(jsonPatch)
	return AdmissionResponse{Allowed: true, Patch: encoded, PatchType: "JSONPatch"}
}

func failureResponse(policy FailurePolicy, message string) AdmissionResponse {
	if policy == Ignore {
		return AdmissionResponse{Allowed: true, Message: message}
	}
	return AdmissionResponse{Allowed: false, Message: message}
}

func fromWireRequest(wreq *wireRequest) (AdmissionRequest, error) {
	var obj types.Object
	if len(wreq.Object) > 0 {
		if err := json.Unmarshal(wreq.Object, &obj); err != nil {
			return AdmissionRequest{}, errors.Wrap(err, "failed decoding object")
		}
	}
	var oldObjPtr *types.Object
	if len(wreq.OldObject) > 0 {
		var oldObj types.Object
		if err := json.Unmarshal(wreq.OldObject, &oldObj); err != nil {
			return AdmissionRequest{}, errors.Wrap(err, "failed decoding oldObject")
		}
		oldObjPtr = &oldObj
	}
	dryRun := wreq.DryRun != nil && *wreq.DryRun
	return AdmissionRequest{
		RequestUID: wreq.UID,
		GVR: types.GVR{
			Group:    wreq.Resource.Group,
			Version:  wreq.Resource.Version,
			Resource: wreq.Resource.Resource,
		},
		Name:      wreq.Name,
		Namespace: wreq.Namespace,
		Operation: Operation(wreq.Operation),
		DryRun:    dryRun,
		Object:    obj,
		OldObject: oldObjPtr,
	}, nil
}

func toWireResponse(requestUID string, resp AdmissionResponse) *wireResponse {
	out := &wireResponse{UID: requestUID, Allowed: resp.Allowed, Warnings: resp.Warnings}
	if !resp.Allowed {
		out.Status = &wireStatus{Code: http.StatusForbidden, Message: resp.Message}
	}
	if len(resp.Patch) > 0 {
		out.Patch = resp.Patch
		pt := resp.PatchType
		out.PatchType = &pt
	}
	return out
}

func mustMarshal(obj types.Object) []byte {
	raw, err := json.Marshal(obj.Object)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
