package signals

import (
	"github.com/krew-solutions/courier-go/courier/disposable"
)

// Observer receives events of type E. A returned error is reported back to
// the notifier but does not stop delivery to the remaining observers.
type Observer[E any] func(E) error

type Signal[E any] interface {
	Attach(observer Observer[E], observerID ...any) disposable.Disposable
	Detach(observer Observer[E], observerID ...any)
	Notify(event E) error
}
