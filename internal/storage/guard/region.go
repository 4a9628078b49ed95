package guard

import "sync"

// Region is one open unsafe region. Close it with defer right after
// Enter so it is released on every return path.
type Region struct {
	g    *Guard
	once sync.Once
	err  error
}

// Enter opens a region.
func (g *Guard) Enter() (*Region, error) {
	if err := g.Start(); err != nil {
		return nil, err
	}
	return &Region{g: g}, nil
}

// Close ends the region. Further calls return the first result.
func (r *Region) Close() error {
	r.once.Do(func() {
		r.err = r.g.End()
	})
	return r.err
}

// Do runs fn inside a region. The region is closed even if fn panics.
// An error from fn takes precedence over one from closing the region.
func (g *Guard) Do(fn func() error) (err error) {
	r, err := g.Enter()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}()
	return fn()
}
