package action

import "github.com/cuemby/keel/pkg/model"

// Interceptor adds cross-cutting behaviour to change actions without the
// action knowing about it.
type Interceptor interface {
	// Name identifies the interceptor in logs and metrics
	Name() string
	// Apply wraps a change action. The wrapper keeps the delegate's Change.
	Apply(a ChangeAction) ChangeAction
	// ExecutionLimits reports the headroom left for root without modifying
	// it. Zero means no further action should be admitted for now.
	ExecutionLimits(root *model.EntityHolder) int64
}

// Chain wraps a with the interceptors so that the first one is outermost
func Chain(a ChangeAction, interceptors ...Interceptor) ChangeAction {
	for i := len(interceptors) - 1; i >= 0; i-- {
		a = interceptors[i].Apply(a)
	}
	return a
}

// Blocking returns the first interceptor that has no headroom left for root
func Blocking(root *model.EntityHolder, interceptors ...Interceptor) (Interceptor, bool) {
	for _, interceptor := range interceptors {
		if interceptor.ExecutionLimits(root) <= 0 {
			return interceptor, true
		}
	}
	return nil, false
}
