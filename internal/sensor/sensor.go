// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package sensor implements the SAT-side capability registry: a set of
// named producers the telemetry task polls once per beacon cycle and
// merges into the object handed to SatLink.SendTelemetry.
package sensor

// Reading is one producer's contribution to a telemetry cycle.
type Reading map[string]interface{}

// Producer yields one Reading, or an error if the underlying device could
// not be read this cycle (the cycle continues with whatever other
// producers returned).
type Producer func() (Reading, error)

// entry pairs a Producer with whether it may run while the node is in
// low-power mode.
type entry struct {
	produce   Producer
	essential bool
}

// Registry holds named sensor producers.
type Registry struct {
	byName map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]entry)}
}

// Register installs a producer under name. essential producers still run
// while the node is in low-power mode; non-essential ones are skipped.
func (r *Registry) Register(name string, essential bool, p Producer) {
	r.byName[name] = entry{produce: p, essential: essential}
}

// Unregister removes name's producer, if any.
func (r *Registry) Unregister(name string) {
	delete(r.byName, name)
}

// PollResult is one producer's outcome during a Poll.
type PollResult struct {
	Name string
	Err  error
}

// Poll runs every registered producer (or only the essential ones when
// lowPower is true) and merges their readings into a single map, keyed by
// reading field name. A producer that errors contributes nothing and is
// reported back in the second return value; it does not abort the cycle.
func (r *Registry) Poll(lowPower bool) (map[string]interface{}, []PollResult) {
	merged := make(map[string]interface{})
	var results []PollResult
	for name, e := range r.byName {
		if lowPower && !e.essential {
			continue
		}
		reading, err := e.produce()
		if err != nil {
			results = append(results, PollResult{Name: name, Err: err})
			continue
		}
		for k, v := range reading {
			merged[k] = v
		}
	}
	return merged, results
}
