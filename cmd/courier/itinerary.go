package main

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/saga/examples"
)

const (
	parallelActivity = "parallel"
	fallbackActivity = "fallback"
	parallelAddress  = "sb://./parallel"
	fallbackAddress  = "sb://./fallback"
)

var validate = validator.New()

// itineraryDocument is the YAML form of a routing slip:
//
//	variables:
//	  customer: jane@example.com
//	steps:
//	  - activity: reserve-car
//	    arguments: {vehicleType: SUV}
//	  - activity: fallback
//	    alternatives:
//	      - [{activity: reserve-flight, arguments: {destination: LAX}}]
//	      - [{activity: reserve-flight, arguments: {destination: SFO}}]
type itineraryDocument struct {
	Variables map[string]any `yaml:"variables"`
	Steps     []step         `yaml:"steps" validate:"required,min=1,dive"`
}

type step struct {
	Activity     string         `yaml:"activity" validate:"required"`
	Address      string         `yaml:"address"`
	Arguments    map[string]any `yaml:"arguments"`
	Branches     [][]step       `yaml:"branches" validate:"omitempty,dive,min=1,dive"`
	Alternatives [][]step       `yaml:"alternatives" validate:"omitempty,dive,min=1,dive"`
}

// knownAddresses maps every activity the CLI hosts to its address.
func knownAddresses() map[string]string {
	addresses := examples.Addresses()
	addresses[parallelActivity] = parallelAddress
	addresses[fallbackActivity] = fallbackAddress
	return addresses
}

func loadItinerary(path string) (*itineraryDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read itinerary")
	}
	return parseItinerary(data)
}

func parseItinerary(data []byte) (*itineraryDocument, error) {
	doc := &itineraryDocument{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, "parse itinerary")
	}
	if err := validate.Struct(doc); err != nil {
		return nil, errors.Wrap(err, "invalid itinerary")
	}
	return doc, nil
}

// build turns the document into a new routing slip. Steps without an
// address are sent to the known host of their activity.
func (d *itineraryDocument) build(addresses map[string]string) (*saga.RoutingSlip, error) {
	itinerary, err := buildItinerary(d.Steps, addresses)
	if err != nil {
		return nil, err
	}
	builder := saga.NewRoutingSlipBuilder(saga.TrackingNumber{}).AddVariables(d.Variables)
	for _, entry := range itinerary {
		builder.AddEntry(entry)
	}
	return builder.Build()
}

func buildItinerary(steps []step, addresses map[string]string) (saga.Itinerary, error) {
	itinerary := make(saga.Itinerary, 0, len(steps))
	for _, s := range steps {
		address := s.Address
		if address == "" {
			address = addresses[s.Activity]
		}
		if address == "" {
			return nil, errors.Wrapf(saga.ErrActivityNotRegistered, "no address for %q", s.Activity)
		}

		arguments := saga.Arguments{}
		for k, v := range s.Arguments {
			arguments[k] = v
		}
		if len(s.Branches) > 0 {
			branches, err := buildItineraries(s.Branches, addresses)
			if err != nil {
				return nil, err
			}
			arguments["branches"] = branches
		}
		if len(s.Alternatives) > 0 {
			alternatives, err := buildItineraries(s.Alternatives, addresses)
			if err != nil {
				return nil, err
			}
			arguments["alternatives"] = alternatives
		}
		itinerary = append(itinerary, saga.NewItineraryEntry(s.Activity, address, arguments))
	}
	return itinerary, nil
}

func buildItineraries(groups [][]step, addresses map[string]string) ([]saga.Itinerary, error) {
	out := make([]saga.Itinerary, 0, len(groups))
	for _, group := range groups {
		itinerary, err := buildItinerary(group, addresses)
		if err != nil {
			return nil, err
		}
		out = append(out, itinerary)
	}
	return out, nil
}
