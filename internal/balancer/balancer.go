package balancer

import "sync"

// EndpointProvider provides the endpoint list to balance over
type EndpointProvider interface {
	// Endpoints returns the endpoints in their configured order
	Endpoints() []string
}

// RoundRobin cycles through the endpoints that are not excluded
type RoundRobin struct {
	provider EndpointProvider
	mu       sync.Mutex
	index    int
}

// NewRoundRobin creates a new round-robin balancer
func NewRoundRobin(provider EndpointProvider) *RoundRobin {
	return &RoundRobin{
		provider: provider,
		index:    -1,
	}
}

// Next returns the next endpoint not present in exclude, or "" when every
// endpoint is excluded
func (rr *RoundRobin) Next(exclude map[string]bool) string {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	endpoints := filterExcluded(rr.provider.Endpoints(), exclude)
	if len(endpoints) == 0 {
		return ""
	}

	rr.index = (rr.index + 1) % len(endpoints)
	return endpoints[rr.index]
}

// Reset restarts the rotation from the first endpoint
func (rr *RoundRobin) Reset() {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rr.index = -1
}

// filterExcluded removes excluded endpoints from the list
func filterExcluded(endpoints []string, exclude map[string]bool) []string {
	if len(exclude) == 0 {
		return endpoints
	}

	result := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if !exclude[e] {
			result = append(result, e)
		}
	}
	return result
}

// Static is an EndpointProvider over a fixed list
type Static []string

// Endpoints returns the list itself
func (s Static) Endpoints() []string {
	return s
}
