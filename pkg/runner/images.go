package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/riverd/river/pkg/containerrt"
)

// imageLoader ensures an image is available locally before a container is
// created from it, serialising concurrent loads of the same name while
// letting different names load in parallel (§5 "Runner Agent serialises
// image loads for the same container name").
type imageLoader struct {
	runtime      *containerrt.Runtime
	envImageDir  string // shared-storage directory of named environment tarballs
	locksMu      sync.Mutex
	locks        map[string]*sync.Mutex
	loadedAt     map[string]time.Time
	loadedAtMu   sync.Mutex
}

func newImageLoader(rt *containerrt.Runtime, envImageDir string) *imageLoader {
	return &imageLoader{
		runtime:     rt,
		envImageDir: envImageDir,
		locks:       make(map[string]*sync.Mutex),
		loadedAt:    make(map[string]time.Time),
	}
}

func (l *imageLoader) lockFor(name string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	if m, ok := l.locks[name]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[name] = m
	return m
}

// Ensure guarantees imageRef is present locally: an external reference
// (containing a registry-style "/" or ":") is
// pulled via the runtime directly; a bare name is resolved against a
// named environment tarball on shared storage, reloaded only if the
// tarball's mtime is newer than the last load recorded for that name.
func (l *imageLoader) Ensure(ctx context.Context, imageRef string) error {
	if isExternalReference(imageRef) {
		return l.runtime.PullImage(ctx, imageRef)
	}

	mu := l.lockFor(imageRef)
	mu.Lock()
	defer mu.Unlock()

	tarPath := filepath.Join(l.envImageDir, imageRef+".tar")
	info, err := os.Stat(tarPath)
	if err != nil {
		return err
	}

	l.loadedAtMu.Lock()
	last, loaded := l.loadedAt[imageRef]
	l.loadedAtMu.Unlock()
	if loaded && !info.ModTime().After(last) {
		return nil
	}

	if err := l.runtime.PullImage(ctx, "file://"+tarPath); err != nil {
		return err
	}

	l.loadedAtMu.Lock()
	l.loadedAt[imageRef] = info.ModTime()
	l.loadedAtMu.Unlock()
	return nil
}

// isExternalReference reports whether imageRef names a registry image
// (e.g. "docker.io/library/alpine:3.19") rather than a bare local
// environment name (e.g. "pytorch-cuda12").
func isExternalReference(imageRef string) bool {
	for _, r := range imageRef {
		if r == '/' || r == ':' {
			return true
		}
	}
	return false
}
