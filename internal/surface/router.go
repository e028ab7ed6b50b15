package surface

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// ProvisioningDriver is a Driver that can also provision windows.
type ProvisioningDriver interface {
	Driver
	Provisioner
}

type route struct {
	prefix string
	driver Driver
}

// Router sends each session to a driver chosen by the URL it was opened
// with. URLs matching no route go to the fallback, which also handles
// Provision.
type Router struct {
	fallback ProvisioningDriver
	routes   []route

	mu     sync.Mutex
	owners map[string]Driver
}

// NewRouter creates a router over fallback.
func NewRouter(fallback ProvisioningDriver) *Router {
	return &Router{fallback: fallback, owners: make(map[string]Driver)}
}

// Route sends URLs starting with prefix to d. Earlier routes win.
func (r *Router) Route(prefix string, d Driver) *Router {
	r.routes = append(r.routes, route{prefix: prefix, driver: d})
	return r
}

func (r *Router) pick(url string) Driver {
	for _, rt := range r.routes {
		if strings.HasPrefix(url, rt.prefix) {
			return rt.driver
		}
	}
	return r.fallback
}

func (r *Router) owner(h Handle) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.owners[h.ID]
	if !ok {
		return nil, eris.Errorf("surface: session %s closed", h)
	}
	return d, nil
}

func (r *Router) Open(ctx context.Context, url string, position int) (Handle, error) {
	d := r.pick(url)
	h, err := d.Open(ctx, url, position)
	if err != nil {
		return Handle{}, err
	}
	r.mu.Lock()
	r.owners[h.ID] = d
	r.mu.Unlock()
	return h, nil
}

func (r *Router) InputText(ctx context.Context, h Handle, text string) error {
	d, err := r.owner(h)
	if err != nil {
		return err
	}
	return d.InputText(ctx, h, text)
}

func (r *Router) SelectOption(ctx context.Context, h Handle, category, name string) error {
	d, err := r.owner(h)
	if err != nil {
		return err
	}
	return d.SelectOption(ctx, h, category, name)
}

func (r *Router) Submit(ctx context.Context, h Handle) error {
	d, err := r.owner(h)
	if err != nil {
		return err
	}
	return d.Submit(ctx, h)
}

func (r *Router) PollBusy(ctx context.Context, h Handle) (bool, error) {
	d, err := r.owner(h)
	if err != nil {
		return false, err
	}
	return d.PollBusy(ctx, h)
}

func (r *Router) ExtractText(ctx context.Context, h Handle, strategy string) (string, error) {
	d, err := r.owner(h)
	if err != nil {
		return "", err
	}
	return d.ExtractText(ctx, h, strategy)
}

// Exists reports false for sessions the router never opened.
func (r *Router) Exists(ctx context.Context, h Handle) (bool, error) {
	r.mu.Lock()
	d, ok := r.owners[h.ID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return d.Exists(ctx, h)
}

func (r *Router) Close(ctx context.Context, h Handle) error {
	r.mu.Lock()
	d, ok := r.owners[h.ID]
	delete(r.owners, h.ID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return d.Close(ctx, h)
}

func (r *Router) Provision(ctx context.Context, position int) error {
	return r.fallback.Provision(ctx, position)
}
