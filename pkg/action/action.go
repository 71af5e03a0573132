package action

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cuemby/keel/pkg/model"
)

// Trigger records who asked for a change
type Trigger string

const (
	// TriggerUser marks changes requested from outside the system
	TriggerUser Trigger = "User"
	// TriggerReconciler marks self-healing changes
	TriggerReconciler Trigger = "Reconciler"
)

// ActionKind identifies the kind of entity a change is about
type ActionKind string

const (
	KindJob           ActionKind = "job"
	KindTask          ActionKind = "task"
	KindInstanceGroup ActionKind = "instance_group"
)

// Model identifies the layer a model update originates from
type Model string

const (
	ModelReference Model = "reference"
	ModelStore     Model = "store"
)

// Change is the externally visible identity of a change action
type Change struct {
	Kind    ActionKind
	Trigger Trigger
	ID      string
	Summary string
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s[%s]: %s", c.Trigger, c.Kind, c.ID, c.Summary)
}

// Result is the outcome of running a change action. Err tags a failed run;
// Updates are present in both cases and must be applied in order.
type Result struct {
	Change  Change
	Updates []ModelUpdateAction
	Err     error
}

// Failed reports whether the change itself failed
func (r Result) Failed() bool {
	return r.Err != nil
}

// ChangeAction is a unit of proposed work against one entity. Apply may block
// on I/O; it must not touch the model tree, which it only affects through the
// returned updates.
type ChangeAction interface {
	Change() Change
	Apply(ctx context.Context) Result
}

// ChangeFunc computes the updates of a change action
type ChangeFunc func(ctx context.Context) ([]ModelUpdateAction, error)

type funcChangeAction struct {
	change Change
	fn     ChangeFunc
}

// NewChangeAction builds a change action from a function
func NewChangeAction(change Change, fn ChangeFunc) ChangeAction {
	return &funcChangeAction{change: change, fn: fn}
}

func (a *funcChangeAction) Change() Change { return a.change }

func (a *funcChangeAction) Apply(ctx context.Context) Result {
	updates, err := a.fn(ctx)
	return Result{Change: a.change, Updates: updates, Err: err}
}

// PanicError is the failure recorded for a change action that panicked
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("change action panicked: %v", e.Value)
}

// Run applies a change action and converts a panic into a failed result, so a
// crashing action still reports back instead of vanishing.
func Run(ctx context.Context, a ChangeAction) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Change: a.Change(),
				Err:    &PanicError{Value: p, Stack: debug.Stack()},
			}
		}
	}()
	return a.Apply(ctx)
}

// UpdateMeta describes a model update action
type UpdateMeta struct {
	Kind    ActionKind
	Model   Model
	Trigger Trigger
	ID      string
	Summary string
}

func (m UpdateMeta) String() string {
	return fmt.Sprintf("%s/%s %s[%s]: %s", m.Model, m.Trigger, m.Kind, m.ID, m.Summary)
}

// ModelUpdateAction folds the effect of a change into the model tree.
// Apply must be pure: no I/O, no mutation, same output for the same root. It
// returns the new root and the changed subtree; a nil changed subtree means the
// update was a no-op, and then the returned root must be the input root.
type ModelUpdateAction interface {
	Meta() UpdateMeta
	Apply(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder)
}

// UpdateFunc is the body of a model update action
type UpdateFunc func(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder)

type funcModelUpdateAction struct {
	meta UpdateMeta
	fn   UpdateFunc
}

// NewModelUpdateAction builds a model update action from a function
func NewModelUpdateAction(meta UpdateMeta, fn UpdateFunc) ModelUpdateAction {
	return &funcModelUpdateAction{meta: meta, fn: fn}
}

func (u *funcModelUpdateAction) Meta() UpdateMeta { return u.meta }

func (u *funcModelUpdateAction) Apply(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder) {
	return u.fn(root)
}

// ApplyAll folds updates into root strictly in order, each update seeing the
// root produced by the previous one. It returns the final root and the changed
// subtrees of the updates that were not no-ops.
func ApplyAll(root *model.EntityHolder, updates []ModelUpdateAction) (*model.EntityHolder, []*model.EntityHolder) {
	var changed []*model.EntityHolder
	for _, update := range updates {
		newRoot, subtree := update.Apply(root)
		if subtree == nil {
			continue
		}
		root = newRoot
		changed = append(changed, subtree)
	}
	return root, changed
}
