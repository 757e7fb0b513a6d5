package naming

import (
	"fmt"
	"sort"

	"boxforge/internal/failure"
)

var defaultStockImages = map[string]Identity{
	DistroCentOS: "centos64",
}

// Resolver decides which image a role image is built from.
type Resolver struct {
	stock map[string]Identity
}

// NewResolver returns a resolver for the supported distributions. overrides
// replaces the stock box name of a supported distribution; entries for other
// distributions are ignored since they would not make them supported.
func NewResolver(overrides map[string]string) *Resolver {
	stock := make(map[string]Identity, len(defaultStockImages))
	for d, img := range defaultStockImages {
		stock[d] = img
	}
	for d, img := range overrides {
		if _, ok := stock[d]; ok && img != "" {
			stock[d] = Identity(img)
		}
	}
	return &Resolver{stock: stock}
}

// Supported reports whether distribution can be built.
func (r *Resolver) Supported(distribution string) bool {
	_, ok := r.stock[distribution]
	return ok
}

// Distributions lists the supported distributions.
func (r *Resolver) Distributions() []string {
	out := make([]string, 0, len(r.stock))
	for d := range r.stock {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// StockImage returns the distribution's stock box.
func (r *Resolver) StockImage(distribution string) (Identity, error) {
	img, ok := r.stock[distribution]
	if !ok {
		return "", failure.New(failure.UnsupportedDistribution, "resolve base image",
			fmt.Errorf("%q (supported: %v)", distribution, r.Distributions()))
	}
	return img, nil
}

// BaseImage returns the image a role image of (distribution, build) is built
// from: the stock box for pkgs, the build's pkgs image for everything else.
func (r *Resolver) BaseImage(role, distribution, build string) (Identity, error) {
	stock, err := r.StockImage(distribution)
	if err != nil {
		return "", err
	}
	if role == RolePkgs {
		if err := checkComponent("build number", build); err != nil {
			return "", err
		}
		return stock, nil
	}
	return Derive(distribution, build, RolePkgs)
}

var defaultResolver = NewResolver(nil)

// ResolveBaseImage resolves with the built-in stock images.
func ResolveBaseImage(role, distribution, build string) (Identity, error) {
	return defaultResolver.BaseImage(role, distribution, build)
}
