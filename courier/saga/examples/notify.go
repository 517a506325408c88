package examples

import (
	"context"
	"fmt"
	"sync"

	"github.com/krew-solutions/courier-go/courier/saga"
)

type NotifyArgs struct {
	Channel string `json:"channel"`
	Email   string `json:"email"`
}

// Mailbox collects the messages sent by NotifyCustomerActivity.
type Mailbox struct {
	mu       sync.Mutex
	messages []string
}

func (m *Mailbox) send(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
}

func (m *Mailbox) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.messages))
	copy(out, m.messages)
	return out
}

// NotifyCustomerActivity sends the booking confirmation. A sent message
// cannot be unsent, so the step leaves no log.
type NotifyCustomerActivity struct {
	mailbox *Mailbox
}

func NewNotifyCustomerActivity(mailbox *Mailbox) *NotifyCustomerActivity {
	return &NotifyCustomerActivity{mailbox: mailbox}
}

func (a *NotifyCustomerActivity) Execute(_ context.Context, exec *saga.ExecuteContext[NotifyArgs]) (saga.ExecutionResult, error) {
	args := exec.Arguments()
	message := fmt.Sprintf("%s to %s:", args.Channel, args.Email)
	for _, kind := range []string{"car", "hotel", "flight"} {
		if id, err := saga.VariableAs[string](exec, kind+"ReservationId"); err == nil {
			message += fmt.Sprintf(" %s=%s", kind, id)
		}
	}
	a.mailbox.send(message)
	exec.SetVariable("notified", true)
	return exec.Completed(), nil
}

// Register wires the travel-booking activities into registry.
func Register(registry *saga.Registry, inventory *Inventory, mailbox *Mailbox) error {
	if err := saga.RegisterCompensable(registry, ReserveCar, func() saga.Activity[CarArgs, ReservationLog] {
		return NewReserveCarActivity(inventory)
	}); err != nil {
		return err
	}
	if err := saga.RegisterCompensable(registry, ReserveHotel, func() saga.Activity[HotelArgs, ReservationLog] {
		return NewReserveHotelActivity(inventory)
	}); err != nil {
		return err
	}
	if err := saga.RegisterCompensable(registry, ReserveFlight, func() saga.Activity[FlightArgs, ReservationLog] {
		return NewReserveFlightActivity(inventory)
	}); err != nil {
		return err
	}
	return saga.Register(registry, NotifyCustomer, func() saga.ExecuteActivity[NotifyArgs] {
		return NewNotifyCustomerActivity(mailbox)
	})
}

// Addresses returns the address of every registered activity.
func Addresses() map[string]string {
	return map[string]string{
		ReserveCar:     CarAddress,
		ReserveHotel:   HotelAddress,
		ReserveFlight:  FlightAddress,
		NotifyCustomer: NotifyAddress,
	}
}
