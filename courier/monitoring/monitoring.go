package monitoring

import (
	"github.com/krew-solutions/courier-go/courier/disposable"
	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/signals"
)

type Observer interface {
	Observe(event saga.Event) error
}

// Attach subscribes observers to signal. Disposing the result detaches all
// of them.
func Attach(signal signals.Signal[saga.Event], observers ...Observer) disposable.Disposable {
	composite := disposable.NewCompositeDisposable()
	for _, o := range observers {
		composite.Add(signal.Attach(o.Observe, o))
	}
	return composite
}
