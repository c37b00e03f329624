package dispatcher

import (
	"fmt"
	"sort"
)

// Demux maps request actions to operations. Only Runtime.AddOperation fills the table, while the
// runtime is still unlocked; it is read-only afterwards, so lookups take no lock.
type Demux struct {
	operations map[string]*Operation
	unhandled  *Operation
}

// newDemux returns an empty table whose unmatched actions resolve to the unhandled operation.
func newDemux() *Demux {
	return &Demux{
		operations: make(map[string]*Operation),
		unhandled:  newUnhandledOperation(),
	}
}

// register adds op under its action. Registering an action twice is a configuration error.
func (d *Demux) register(op *Operation) error {
	if existing, ok := d.operations[op.action]; ok {
		return configError("register "+op.name,
			fmt.Errorf("%w: %q is served by %q", ErrDuplicateAction, op.action, existing.name))
	}
	d.operations[op.action] = op
	return nil
}

// Lookup returns the operation for action. An empty action is looked up as the wildcard; an
// action with no exact entry falls back to the wildcard operation and then to Unhandled.
func (d *Demux) Lookup(action string) *Operation {
	if action == "" {
		action = WildcardAction
	}
	if op, ok := d.operations[action]; ok {
		return op
	}
	if op, ok := d.operations[WildcardAction]; ok {
		return op
	}
	return d.unhandled
}

// Contains reports whether action would reach a declared operation.
func (d *Demux) Contains(action string) bool {
	return !d.Lookup(action).unhandled
}

// Unhandled returns the synthetic operation used for unmatched actions.
func (d *Demux) Unhandled() *Operation { return d.unhandled }

// Actions lists the registered actions in sorted order.
func (d *Demux) Actions() []string {
	actions := make([]string, 0, len(d.operations))
	for a := range d.operations {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}
