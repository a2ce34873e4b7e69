package tools

import (
	"fmt"

	"github.com/invopop/jsonschema"

	"concierge/bridge/internal/types"
)

// The business tools form a closed set known at build time. Unknown names
// are rejected up front rather than dispatched by name alone.

type CheckAvailabilityInput struct {
	CheckIn  string `json:"check_in" jsonschema:"required"`
	CheckOut string `json:"check_out" jsonschema:"required"`
	RoomType string `json:"room_type,omitempty"`
	Guests   int    `json:"guests,omitempty"`
}

type CreateReservationInput struct {
	GuestName string `json:"guest_name" jsonschema:"required"`
	Phone     string `json:"phone" jsonschema:"required"`
	CheckIn   string `json:"check_in" jsonschema:"required"`
	CheckOut  string `json:"check_out" jsonschema:"required"`
	RoomType  string `json:"room_type,omitempty"`
}

type CaptureLeadInput struct {
	Name  string `json:"name" jsonschema:"required"`
	Phone string `json:"phone" jsonschema:"required"`
	Notes string `json:"notes,omitempty"`
}

type TransferCallInput struct {
	Reason  string `json:"reason" jsonschema:"required"`
	Summary string `json:"summary,omitempty"`
}

// Tool is one registered business action.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Validate checks the payload against the tool's declared required fields.
func (t Tool) Validate(payload map[string]any) error {
	for _, field := range t.Schema.Required {
		v, ok := payload[field]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("%w: %s: missing required field %q", types.ErrToolValidation, t.Name, field)
		}
	}
	return nil
}

// Registry is the name-keyed lookup table over the closed tool set.
type Registry struct {
	byName map[string]Tool
	order  []string
}

func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Tool)}
	reflector := jsonschema.Reflector{DoNotReference: true}
	add := func(name, description string, input any) {
		schema := reflector.Reflect(input)
		schema.Version = ""
		r.byName[name] = Tool{Name: name, Description: description, Schema: schema}
		r.order = append(r.order, name)
	}

	add("check_availability", "Check room availability for a date range.", &CheckAvailabilityInput{})
	add("create_reservation", "Create a reservation for a guest.", &CreateReservationInput{})
	add("capture_lead", "Record caller contact details for follow-up.", &CaptureLeadInput{})
	add("transfer_call", "Hand the call to a human with a summary.", &TransferCallInput{})
	return r
}

// Lookup resolves a tool by name. Unknown names are a validation error.
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.byName[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: unknown tool %q", types.ErrToolValidation, name)
	}
	return t, nil
}

// Declaration is the shape advertised to the speech model.
type Declaration struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// Declarations lists every tool in registration order for the
// speech-session configuration.
func (r *Registry) Declarations() []Declaration {
	out := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		t := r.byName[name]
		out = append(out, Declaration{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return out
}
