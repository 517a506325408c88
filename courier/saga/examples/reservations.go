package examples

import (
	"context"

	"github.com/krew-solutions/courier-go/courier/saga"
)

const (
	CarAddress    = "sb://./carReservations"
	HotelAddress  = "sb://./hotelReservations"
	FlightAddress = "sb://./flightReservations"
	NotifyAddress = "sb://./notifications"
)

const (
	ReserveCar     = "reserve-car"
	ReserveHotel   = "reserve-hotel"
	ReserveFlight  = "reserve-flight"
	NotifyCustomer = "notify-customer"
)

// ReservationLog is the compensation data of every reservation activity.
type ReservationLog struct {
	ReservationID string `json:"reservationId"`
}

type CarArgs struct {
	VehicleType string `json:"vehicleType"`
	PickupDate  string `json:"pickupDate"`
}

// ReserveCarActivity reserves a rental car.
// This is typically the least risky step in a travel booking saga.
type ReserveCarActivity struct {
	inventory *Inventory
}

func NewReserveCarActivity(inventory *Inventory) *ReserveCarActivity {
	return &ReserveCarActivity{inventory: inventory}
}

func (a *ReserveCarActivity) Execute(_ context.Context, exec *saga.ExecuteContext[CarArgs]) (saga.ExecutionResult, error) {
	return reserve(a.inventory, "car", exec.Arguments().VehicleType, exec)
}

func (a *ReserveCarActivity) Compensate(_ context.Context, comp *saga.CompensateContext[ReservationLog]) (saga.CompensationResult, error) {
	a.inventory.Cancel(comp.Log().ReservationID)
	return comp.Compensated(), nil
}

type HotelArgs struct {
	RoomType    string `json:"roomType"`
	CheckInDate string `json:"checkInDate"`
	Nights      int    `json:"nights"`
}

// ReserveHotelActivity reserves a hotel room.
// This is a moderate risk step in a travel booking saga.
type ReserveHotelActivity struct {
	inventory *Inventory
}

func NewReserveHotelActivity(inventory *Inventory) *ReserveHotelActivity {
	return &ReserveHotelActivity{inventory: inventory}
}

func (a *ReserveHotelActivity) Execute(_ context.Context, exec *saga.ExecuteContext[HotelArgs]) (saga.ExecutionResult, error) {
	return reserve(a.inventory, "hotel", exec.Arguments().RoomType, exec)
}

func (a *ReserveHotelActivity) Compensate(_ context.Context, comp *saga.CompensateContext[ReservationLog]) (saga.CompensationResult, error) {
	a.inventory.Cancel(comp.Log().ReservationID)
	return comp.Compensated(), nil
}

type FlightArgs struct {
	Destination string `json:"destination"`
	FlightDate  string `json:"flightDate"`
}

// ReserveFlightActivity reserves a flight.
// This is the highest risk step in a travel booking saga.
type ReserveFlightActivity struct {
	inventory *Inventory
}

func NewReserveFlightActivity(inventory *Inventory) *ReserveFlightActivity {
	return &ReserveFlightActivity{inventory: inventory}
}

func (a *ReserveFlightActivity) Execute(_ context.Context, exec *saga.ExecuteContext[FlightArgs]) (saga.ExecutionResult, error) {
	return reserve(a.inventory, "flight", exec.Arguments().Destination, exec)
}

func (a *ReserveFlightActivity) Compensate(_ context.Context, comp *saga.CompensateContext[ReservationLog]) (saga.CompensationResult, error) {
	a.inventory.Cancel(comp.Log().ReservationID)
	return comp.Compensated(), nil
}

func reserve[TArgs any](inventory *Inventory, kind, item string, exec *saga.ExecuteContext[TArgs]) (saga.ExecutionResult, error) {
	reservation, err := inventory.Reserve(kind, item)
	if err != nil {
		return exec.Faulted(err), nil
	}
	exec.SetVariable(kind+"ReservationId", reservation.ID)
	return exec.Completed(saga.WithLog(ReservationLog{ReservationID: reservation.ID})), nil
}
