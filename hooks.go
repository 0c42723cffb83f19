package relmap

import "context"

// A Phase identifies one point of the record lifecycle at which hooks
// fire. The set of phases is closed.
type Phase uint8

// Lifecycle phases, in firing order around each operation: save-phase
// hooks wrap both creates and updates.
const (
	BeforeSave Phase = iota + 1
	BeforeCreate
	AfterCreate
	BeforeUpdate
	AfterUpdate
	AfterSave
	BeforeDelete
	AfterDelete
	AfterFind
)

var phaseNames = map[Phase]string{
	BeforeSave:   "before_save",
	BeforeCreate: "before_create",
	AfterCreate:  "after_create",
	BeforeUpdate: "before_update",
	AfterUpdate:  "after_update",
	AfterSave:    "after_save",
	BeforeDelete: "before_delete",
	AfterDelete:  "after_delete",
	AfterFind:    "after_find",
}

// String returns the phase name.
func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// A Hook is called at a lifecycle phase and may mutate the record.
// A non-nil error aborts the surrounding operation.
type Hook func(ctx context.Context, r *Record) error

// Use registers hooks for a record type and phase. Hooks run in
// registration order.
func (c *Client) Use(typeName string, phase Phase, hooks ...Hook) {
	if c.hooks[typeName] == nil {
		c.hooks[typeName] = make(map[Phase][]Hook)
	}
	c.hooks[typeName][phase] = append(c.hooks[typeName][phase], hooks...)
}

// runHooks fires the hooks of one phase for a record, in order.
func (c *Client) runHooks(ctx context.Context, phase Phase, r *Record) error {
	for _, h := range c.hooks[r.Type()][phase] {
		if err := h(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
