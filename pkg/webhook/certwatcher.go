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
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// certWatcher hot-reloads a TLS certificate/key pair whenever either file
// changes on disk, the same "watch and hot-swap tls.Certificate" approach
// controller-runtime's pkg/certwatcher uses, reimplemented here against
// fsnotify directly to avoid taking controller-runtime as a dependency.
type certWatcher struct {
	certFile, keyFile string

	mutex sync.RWMutex
	cert  *tls.Certificate
}

func newCertWatcher(certFile, keyFile string) (*certWatcher, error) {
	w := &certWatcher{certFile: certFile, keyFile: keyFile}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *certWatcher) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.cert, nil
}

func (w *certWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return errors.Wrap(err, "failed loading TLS certificate/key pair")
	}
	w.mutex.Lock()
	w.cert = &cert
	w.mutex.Unlock()
	return nil
}

func (w *certWatcher) run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()

	for _, dir := range uniqueDirs(w.certFile, w.keyFile) {
		_ = watcher.Add(dir)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.certFile) && filepath.Clean(event.Name) != filepath.Clean(w.keyFile) {
				continue
			}
			_ = w.reload()
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func uniqueDirs(paths ...string) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			dirs = append(dirs, d)
		}
	}
	return dirs
}
